package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/noxterm/noxterm/internal/container/fake"
	"github.com/noxterm/noxterm/internal/proxy"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	adapter := fake.NewAdapter()
	mgr := session.NewManager(st, adapter, time.Minute, func() uint16 { return 0 })
	egress := proxy.NewSupervisor("/bin/true", 0, nil, nil)
	return New(st, mgr, egress, []string{"alpine:latest"}, NewRateLimiter(100, 100))
}

func TestCreateSessionRejectsDisallowedImage(t *testing.T) {
	s := newTestSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	body, _ := json.Marshal(createSessionReq{UserID: "alice", Image: "evil:latest"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	body, _ := json.Marshal(createSessionReq{UserID: "alice", Image: "alpine:latest"})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created createSessionResp
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/sessions/"+created.SessionID, nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec2.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestSurface(t)
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
