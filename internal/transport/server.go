// Package transport implements the Transport Endpoint: WebSocket upgrade
// and per-session dispatch for the /ws/{id} and /pty/{id} stream routes.
package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/noxterm/noxterm/internal/bridge"
	"github.com/noxterm/noxterm/internal/container"
	"github.com/noxterm/noxterm/internal/logger"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

// Endpoint owns PTY-handle reuse across detach/reattach and registers
// the stream routes on a shared mux, the same single-mux-many-routes
// shape the corpus's own relay server uses.
type Endpoint struct {
	store   *store.Store
	manager *session.Manager
	adapter container.Adapter

	mu      sync.Mutex
	handles map[string]container.PtyHandle // session id -> live exec handle
}

func New(st *store.Store, mgr *session.Manager, adapter container.Adapter) *Endpoint {
	return &Endpoint{store: st, manager: mgr, adapter: adapter, handles: make(map[string]container.PtyHandle)}
}

// Register wires /ws/{id} (JSON-only) and /pty/{id} (binary-preferred)
// onto mux, using the Go 1.22+ method-and-path pattern the corpus's own
// HTTP front end registers routes with.
func (e *Endpoint) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{id}", e.handle(false))
	mux.HandleFunc("GET /pty/{id}", e.handle(true))
}

func (e *Endpoint) handle(binaryPreferred bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" || strings.ContainsAny(id, "/\\") {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}

		sess, err := e.manager.Attach(r.Context(), id)
		if err == session.ErrNotAttachable {
			conn, acceptErr := websocket.Accept(w, r, nil)
			if acceptErr == nil {
				conn.Close(websocket.StatusCode(4003), "session not attachable")
			}
			return
		}
		if err == model.ErrNotFound {
			conn, acceptErr := websocket.Accept(w, r, nil)
			if acceptErr == nil {
				conn.Close(websocket.StatusCode(4001), "invalid session id")
			}
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: false,
			OriginPatterns:     []string{"*"},
		})
		if err != nil {
			logger.Warn("accept failed", "session_id", id, "err", err)
			return
		}
		conn.SetReadLimit(maxFrameBytes)

		handle, err := e.ptyFor(r.Context(), sess)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "container unavailable")
			_ = e.manager.Delete(context.Background(), id)
			return
		}

		stream := &wsStream{conn: conn, binaryPreferred: binaryPreferred}
		br := bridge.New(handle, stream)
		br.OnActivity = func() { _ = e.store.Touch(id, time.Now()) }
		br.OnSecurityViolation = func() {
			_ = e.store.AppendSecurity(model.AuditEvent{
				SessionID: id,
				UserID:    sess.UserID,
				Kind:      model.AuditSecurityViolation,
				Payload:   `{"reason":"bad-frame flood"}`,
				CreatedAt: time.Now(),
			})
		}

		reason := br.Run(r.Context())
		e.afterBridge(id, sess, reason)
	}
}

// ptyFor returns the session's live PTY handle, exec'ing a new one on
// first attach and reusing the stored handle on reattach.
func (e *Endpoint) ptyFor(ctx context.Context, sess *model.Session) (container.PtyHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handles[sess.ID]; ok {
		return h, nil
	}
	h, err := e.adapter.ExecPTY(ctx, sess.ContainerRef, []string{"/bin/sh", "-l"}, container.BaseEnv(), container.Size{Cols: 80, Rows: 24})
	if err != nil {
		return nil, err
	}
	e.handles[sess.ID] = h
	return h, nil
}

func (e *Endpoint) forget(id string) {
	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()
}

func (e *Endpoint) afterBridge(id string, sess *model.Session, reason bridge.CloseReason) {
	switch reason {
	case bridge.ReasonPTYExited:
		e.forget(id)
		_ = e.manager.Delete(context.Background(), id)
	case bridge.ReasonSecurityViolation, bridge.ReasonCanceled:
		e.forget(id)
		_ = e.manager.Delete(context.Background(), id)
	default:
		// Client closed or went idle: keep the handle, return to Detached.
		_ = e.manager.Detach(context.Background(), sess)
	}
}
