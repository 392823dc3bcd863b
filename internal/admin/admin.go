// Package admin implements the Admin Surface: the operator/browser-facing
// REST API for session lifecycle, privacy toggles, and health.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/noxterm/noxterm/internal/logger"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/proxy"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

// version is the Admin Surface's reported build version. Set at link
// time with -ldflags "-X ...admin.version=...", falling back to "dev".
var version = "dev"

// Surface owns the REST handlers and the allow-list/rate-limit policy
// guarding session creation.
type Surface struct {
	store   *store.Store
	manager *session.Manager
	egress  *proxy.Supervisor

	allowedImages map[string]bool
	limiter       *RateLimiter
}

func New(st *store.Store, mgr *session.Manager, egress *proxy.Supervisor, allowedImages []string, limiter *RateLimiter) *Surface {
	allow := make(map[string]bool, len(allowedImages))
	for _, img := range allowedImages {
		allow[img] = true
	}
	return &Surface{store: st, manager: mgr, egress: egress, allowedImages: allow, limiter: limiter}
}

// Register wires every Admin Surface route onto mux.
func (s *Surface) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.withRateLimit(s.handleCreateSession))
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("POST /api/privacy/enable", s.handlePrivacyEnable)
	mux.HandleFunc("POST /api/privacy/disable", s.handlePrivacyDisable)
	mux.HandleFunc("GET /api/privacy/status", s.handlePrivacyStatus)
}

func (s *Surface) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.limiter != nil && !s.limiter.Allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

type createSessionReq struct {
	UserID string `json:"user_id"`
	Image  string `json:"container_image"`
}

// createSessionResp is the §6 POST /api/sessions response shape, distinct
// from sessionResp (used by GET) since the creation response is keyed on
// session_id and carries the attach URL rather than the full record.
type createSessionResp struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	WebsocketURL string `json:"websocket_url"`
	CreatedAt    string `json:"created_at"`
}

func toCreateSessionResp(sess *model.Session) createSessionResp {
	return createSessionResp{
		SessionID:    sess.ID,
		Status:       string(sess.Status),
		WebsocketURL: "/pty/" + sess.ID,
		CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
	}
}

type sessionResp struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Image          string `json:"image"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
	MemoryLimit    string `json:"memory_limit"`
}

func toSessionResp(sess *model.Session) sessionResp {
	return sessionResp{
		ID:             sess.ID,
		UserID:         sess.UserID,
		Image:          sess.Image,
		Status:         string(sess.Status),
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
		LastActivityAt: sess.LastActivityAt.Format(time.RFC3339),
		MemoryLimit:    humanize.Bytes(uint64(sess.Limits.MemoryBytes)),
	}
}

func (s *Surface) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if len(s.allowedImages) > 0 && !s.allowedImages[req.Image] {
		http.Error(w, "image not on allow list", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.Create(r.Context(), req.UserID, req.Image, model.DefaultResourceLimits())
	if err != nil {
		logger.Warn("create session failed", "user_id", req.UserID, "image", req.Image, "err", err)
		http.Error(w, "session provisioning failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateSessionResp(sess))
}

func (s *Surface) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sessions, err := s.store.ListByUser(userID, limit)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	out := make([]sessionResp, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResp(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Surface) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.GetSession(id)
	if err == model.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResp(sess))
}

func (s *Surface) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.store.GetSession(id)
	if err == model.ErrNotFound {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if sess.Status == model.StatusTerminated {
		// DELETE on an already-terminated session is idempotent (spec §8).
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.manager.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotAttachable) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

type metricSampleResp struct {
	SampledAt   string  `json:"sampled_at"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes string  `json:"memory_bytes"`
}

func (s *Surface) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	samples, err := s.store.Metrics(id)
	if err != nil {
		http.Error(w, "metrics lookup failed", http.StatusInternalServerError)
		return
	}
	out := make([]metricSampleResp, 0, len(samples))
	for _, m := range samples {
		out = append(out, metricSampleResp{
			SampledAt:   m.SampledAt.Format(time.RFC3339),
			CPUPercent:  m.CPUPercent,
			MemoryBytes: humanize.Bytes(uint64(m.MemoryBytes)),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Surface) handlePrivacyEnable(w http.ResponseWriter, r *http.Request) {
	state, err := s.egress.Enable(r.Context())
	if err != nil && err != proxy.ErrAlreadyEnabled {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_ = s.store.AppendAudit(model.AuditEvent{Kind: model.AuditPrivacyEnable, Payload: "{}", CreatedAt: time.Now()})
	writeJSON(w, http.StatusOK, map[string]any{"status": "enabled", "socks_port": state.ListenPort})
}

func (s *Surface) handlePrivacyDisable(w http.ResponseWriter, r *http.Request) {
	s.egress.Disable()
	_ = s.store.AppendAudit(model.AuditEvent{Kind: model.AuditPrivacyDisable, Payload: "{}", CreatedAt: time.Now()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Surface) handlePrivacyStatus(w http.ResponseWriter, r *http.Request) {
	state := s.egress.Status()
	if !state.Enabled {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "socks_port": state.ListenPort})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", "err", err)
	}
}
