package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/noxterm/noxterm/internal/container/fake"
	"github.com/noxterm/noxterm/internal/model"
	"github.com/noxterm/noxterm/internal/session"
	"github.com/noxterm/noxterm/internal/store"
)

func TestPTYRoundTrip(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	adapter := fake.NewAdapter()
	mgr := session.NewManager(st, adapter, time.Minute, func() uint16 { return 0 })
	ep := New(st, mgr, adapter)

	sess, err := mgr.Create(context.Background(), "alice", "alpine:latest", model.DefaultResourceLimits())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mux := http.NewServeMux()
	ep.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/pty/" + sess.ID
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, []byte("echo hi\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []byte
	for !strings.Contains(string(got), "hi") {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, data...)
	}
}
