// Package dispatch fires downstream actions at most once per case without
// blocking the session that triggered them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/relay/internal/audit"
	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/types"
)

// Task is one background action in flight.
type Task struct {
	CaseID    types.CaseID
	Action    types.Action
	StartedAt time.Time
}

type taskKey struct {
	caseID types.CaseID
	action types.Action
}

// Dispatcher runs downstream actions as detached background work. Actions
// outlive the session that fired them; a global semaphore caps how many run
// at once across all cases. Failed actions are not retried.
type Dispatcher struct {
	cases   types.CaseStore
	audit   *audit.Logger
	events  types.Publisher
	history types.HistoryLookup
	caller  types.ProviderCaller
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[taskKey]Task
}

// New creates a Dispatcher allowing up to maxConcurrent actions at once.
func New(cases types.CaseStore, auditLog *audit.Logger, events types.Publisher,
	history types.HistoryLookup, caller types.ProviderCaller, maxConcurrent int64) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cases:    cases,
		audit:    auditLog,
		events:   events,
		history:  history,
		caller:   caller,
		sem:      semaphore.NewWeighted(maxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[taskKey]Task),
	}
}

// Start re-parents background work onto ctx. Without it actions run on a
// context cancelled only by Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.cancel()
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Dispatch fires action for caseID unless *fired is already set.
//
// The caller must hold the lock that guards *fired for the whole call; that
// lock is what makes racing callers in one session observe the flag exactly
// once. The persisted flag is then compare-and-set under the case lock, so a
// second session open on the same case cannot fire again. rec is
// snapshotted so later merges cannot change what the action sees. Dispatch
// returns true when it started the action.
func (d *Dispatcher) Dispatch(ctx context.Context, caseID types.CaseID, action types.Action, fired *bool, rec *record.Record) bool {
	if *fired {
		return false
	}
	*fired = true

	flipped, err := d.cases.SetFlag(ctx, caseID, action.Flag())
	if err != nil {
		slog.Error("persist dispatch flag failed", "case_id", caseID, "action", action, "error", err)
	} else if !flipped {
		slog.Info("downstream action already fired for case", "case_id", caseID, "action", action)
		return false
	}
	snapshot := rec.Clone()

	started := types.NewEvent(types.EventDownstreamStarted)
	started.Action = action
	if err := d.events.Publish(ctx, caseID, started); err != nil {
		slog.Warn("publish downstream_started failed", "case_id", caseID, "error", err)
	}

	key := taskKey{caseID: caseID, action: action}
	d.mu.Lock()
	d.inflight[key] = Task{CaseID: caseID, Action: action, StartedAt: time.Now()}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(key, snapshot)

	slog.Info("downstream action dispatched", "case_id", caseID, "action", action)
	return true
}

// outcome is what one background action produced.
type outcome struct {
	status types.Outcome
	text   string
	target string
	cid    types.CorrelationID
	detail string
}

func (d *Dispatcher) run(key taskKey, snapshot *record.Record) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()

	ctx := d.ctx
	var res outcome
	if err := d.sem.Acquire(ctx, 1); err != nil {
		res = outcome{status: types.OutcomeError, detail: fmt.Sprintf("not started: %v", err)}
	} else {
		res = d.execute(ctx, key, snapshot)
		d.sem.Release(1)
	}

	// Bookkeeping must land even when shutdown cancelled the action itself.
	bg := context.WithoutCancel(ctx)
	d.finish(bg, key, res)
}

func (d *Dispatcher) execute(ctx context.Context, key taskKey, snapshot *record.Record) (res outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("downstream action panicked", "case_id", key.caseID, "action", key.action, "panic", r)
			res = outcome{status: types.OutcomeError, detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	identity := types.NewIdentity(snapshot)
	switch key.action {
	case types.ActionHistoryLookup:
		text, err := d.history.LookupHistory(ctx, identity)
		if err != nil {
			return outcome{status: types.OutcomeError, target: identity.Name, detail: err.Error()}
		}
		return outcome{status: types.OutcomeCompleted, target: identity.Name, text: text}

	case types.ActionProviderCall:
		contact := types.NewContact(snapshot)
		call, err := d.caller.CallProvider(ctx, identity, contact)
		target := call.Target
		if target == "" {
			target = contact.Phone
		}
		if err != nil {
			return outcome{status: types.OutcomeError, target: target, cid: call.CorrelationID, detail: err.Error()}
		}
		status := call.Status
		if status == "" {
			status = types.OutcomeInitiated
		}
		return outcome{status: status, target: target, cid: call.CorrelationID, text: call.ResultText}
	}
	return outcome{status: types.OutcomeError, detail: fmt.Sprintf("unknown action %q", key.action)}
}

// finish writes the audit row, stores the result on the case and publishes
// downstream_complete.
func (d *Dispatcher) finish(ctx context.Context, key taskKey, res outcome) {
	if res.status == types.OutcomeError {
		slog.Error("downstream action failed", "case_id", key.caseID, "action", key.action, "error", res.detail)
	}

	if _, err := d.audit.Record(ctx, audit.Entry{
		CaseID:        key.caseID,
		Action:        key.action,
		Target:        res.target,
		Outcome:       res.status,
		CorrelationID: res.cid,
		Detail:        res.detail,
	}); err != nil {
		slog.Error("audit write failed", "case_id", key.caseID, "action", key.action, "error", err)
	}

	text := res.text
	if text == "" && res.status == types.OutcomeError {
		text = res.detail
	}
	if err := d.cases.SetActionResult(ctx, key.caseID, key.action, types.ActionResult{
		Outcome:       res.status,
		Text:          text,
		CorrelationID: res.cid,
	}); err != nil {
		slog.Error("persist action result failed", "case_id", key.caseID, "action", key.action, "error", err)
	}

	ev := types.NewEvent(types.EventDownstreamComplete)
	ev.Action = key.action
	ev.Outcome = res.status
	ev.Result = text
	ev.CorrelationID = res.cid
	if err := d.events.Publish(ctx, key.caseID, ev); err != nil {
		slog.Warn("publish downstream_complete failed", "case_id", key.caseID, "error", err)
	}
}

// InFlight returns the actions currently running, oldest first.
func (d *Dispatcher) InFlight() []Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	tasks := make([]Task, 0, len(d.inflight))
	for _, t := range d.inflight {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
	return tasks
}

// Wait blocks until every dispatched action has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d downstream actions: %w", len(d.InFlight()), ctx.Err())
	}
}

// Stop cancels running actions and waits for their bookkeeping to finish.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
