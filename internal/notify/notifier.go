// Package notify forwards selected case events to on-call channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/relay/internal/fanout"
	"github.com/user/relay/internal/types"
)

// Notifier subscribes to every case and delivers a message to each target
// for core_info_complete and downstream_complete events.
type Notifier struct {
	bus      fanout.Bus
	registry *Registry
	targets  []string
}

func NewNotifier(bus fanout.Bus, registry *Registry, targets []string) *Notifier {
	return &Notifier{bus: bus, registry: registry, targets: targets}
}

// Run delivers notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	if len(n.targets) == 0 {
		slog.Info("no notification targets configured")
		<-ctx.Done()
		return nil
	}
	sub, err := n.bus.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("subscribe notifier: %w", err)
	}
	defer n.bus.Unsubscribe(sub)

	slog.Info("notifier started", "targets", len(n.targets))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			msg, ok := Format(ev)
			if !ok {
				continue
			}
			for _, target := range n.targets {
				if err := n.registry.Deliver(ctx, target, msg); err != nil {
					slog.Warn("notification delivery failed", "target", target, "case_id", ev.CaseID, "error", err)
				}
			}
		}
	}
}

// Format renders the notification text for ev. It reports false for event
// types that are not notified.
func Format(ev types.Event) (string, bool) {
	switch ev.Type {
	case types.EventCoreInfoComplete:
		id := types.NewIdentity(ev.Record)
		details := joinNonEmpty(id.Name, ageLabel(id.Age), id.Gender, id.Address)
		if details == "" {
			details = "details pending"
		}
		return fmt.Sprintf("Case %s: core patient info complete (%s)", ev.CaseID, details), true

	case types.EventDownstreamComplete:
		var b strings.Builder
		fmt.Fprintf(&b, "Case %s: %s %s", ev.CaseID, actionLabel(ev.Action), ev.Outcome)
		if ev.Result != "" {
			b.WriteString("\n\n")
			b.WriteString(ev.Result)
		}
		if ev.Transcript != "" {
			b.WriteString("\n\nCall transcript:\n")
			b.WriteString(ev.Transcript)
		}
		return b.String(), true
	}
	return "", false
}

func actionLabel(a types.Action) string {
	switch a {
	case types.ActionHistoryLookup:
		return "medical history lookup"
	case types.ActionProviderCall:
		return "provider call"
	}
	return string(a)
}

func ageLabel(age string) string {
	if age == "" {
		return ""
	}
	return "age " + age
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}
