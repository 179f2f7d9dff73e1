// Package stream serves the websocket endpoints: transcript ingestion for
// one case and live event feeds for hospital dashboards.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/user/relay/internal/fanout"
	"github.com/user/relay/internal/session"
	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	closeTimeout = 2 * time.Minute
)

// Frame types sent by the ingesting client.
const (
	FramePartial   = "partial"
	FrameCommitted = "committed"
	FrameEndCall   = "end_call"
)

// Frame is one client message on the ingestion socket.
type Frame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Session is the part of a transcript session the socket drives.
type Session interface {
	OnPartial(ctx context.Context, text string) error
	OnCommitted(ctx context.Context, text string) error
	Close(ctx context.Context) error
}

// Opener opens a session for an existing case.
type Opener func(ctx context.Context, caseID types.CaseID) (Session, error)

// ManagerOpener adapts a session manager to an Opener.
func ManagerOpener(m *session.Manager) Opener {
	return func(ctx context.Context, caseID types.CaseID) (Session, error) {
		return m.Open(ctx, caseID)
	}
}

// Handler owns the websocket routes.
type Handler struct {
	open     Opener
	bus      fanout.Bus
	upgrader websocket.Upgrader
}

func NewHandler(open Opener, bus fanout.Bus) *Handler {
	return &Handler{
		open: open,
		bus:  bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes registers the websocket endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/stream/{caseID}", h.handleStream)
	r.Get("/ws/hospital", h.handleHospital)
	r.Get("/ws/hospital/{caseID}", h.handleHospital)
}

// handleStream drives one session from client frames and echoes every
// event of the case back to the client. Disconnect or end_call closes the
// session.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	caseID := types.CaseID(chi.URLParam(r, "caseID"))

	sess, err := h.open(r.Context(), caseID)
	if err != nil {
		if errors.Is(err, state.ErrCaseNotFound) {
			http.Error(w, `{"error":"case not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("open session failed", "case_id", caseID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	// Closing must finish even after the client has gone.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), closeTimeout)
	defer cancel()

	sub, err := h.bus.Subscribe(r.Context(), caseID)
	if err != nil {
		slog.Error("subscribe failed", "case_id", caseID, "error", err)
		sess.Close(closeCtx)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "case_id", caseID, "error", err)
		h.bus.Unsubscribe(sub)
		sess.Close(closeCtx)
		return
	}
	slog.Info("stream connected", "case_id", caseID)

	c := newClient(conn)
	go c.writeLoop(sub.Events())

	ctx := r.Context()
	reason := "disconnect"
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("stream read ended", "case_id", caseID, "error", err)
			}
			break
		}
		var f Frame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.send(map[string]string{"type": "error", "message": "invalid frame"})
			continue
		}
		if f.Type == FrameEndCall {
			reason = FrameEndCall
			break
		}
		if err := h.apply(ctx, sess, f); err != nil {
			c.send(map[string]string{"type": "error", "message": err.Error()})
		}
	}

	if err := sess.Close(closeCtx); err != nil {
		slog.Error("close session failed", "case_id", caseID, "error", err)
	}
	c.send(map[string]string{"type": "session_closed", "case_id": string(caseID)})
	h.bus.Unsubscribe(sub)
	c.wait()
	slog.Info("stream closed", "case_id", caseID, "reason", reason)
}

func (h *Handler) apply(ctx context.Context, sess Session, f Frame) error {
	switch f.Type {
	case FramePartial:
		return sess.OnPartial(ctx, f.Text)
	case FrameCommitted:
		return sess.OnCommitted(ctx, f.Text)
	}
	return errors.New("unknown frame type " + f.Type)
}

// handleHospital relays fanout events to a dashboard. Without a case id in
// the path it relays every case.
func (h *Handler) handleHospital(w http.ResponseWriter, r *http.Request) {
	caseID := types.CaseID(chi.URLParam(r, "caseID"))

	var (
		sub *fanout.Subscription
		err error
	)
	if caseID == "" {
		sub, err = h.bus.SubscribeAll(r.Context())
	} else {
		sub, err = h.bus.Subscribe(r.Context(), caseID)
	}
	if err != nil {
		slog.Error("subscribe failed", "case_id", caseID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.bus.Unsubscribe(sub)
		return
	}
	slog.Info("dashboard connected", "case_id", caseID)

	c := newClient(conn)
	go c.writeLoop(sub.Events())

	// Dashboards only listen; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.bus.Unsubscribe(sub)
	c.wait()
	slog.Info("dashboard disconnected", "case_id", caseID)
}

// client serialises all writes to one connection.
type client struct {
	conn *websocket.Conn
	out  chan any
	done chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &client{
		conn: conn,
		out:  make(chan any, 16),
		done: make(chan struct{}),
	}
}

// send queues a control message. It never blocks.
func (c *client) send(v any) {
	select {
	case c.out <- v:
	case <-c.done:
	default:
		slog.Warn("websocket send queue full, dropping message")
	}
}

// writeLoop forwards events and queued messages until events is closed,
// then drains the queue and closes the connection.
func (c *client) writeLoop(events <-chan types.Event) {
	defer close(c.done)
	defer c.conn.Close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.drain()
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.write(ev); err != nil {
				return
			}
		case v := <-c.out:
			if err := c.write(v); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) drain() {
	for {
		select {
		case v := <-c.out:
			if err := c.write(v); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(v); err != nil {
		slog.Debug("websocket write failed", "error", err)
		return err
	}
	return nil
}

func (c *client) wait() {
	<-c.done
}
