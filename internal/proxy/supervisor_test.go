package proxy

import (
	"context"
	"net"
	"testing"
	"time"
)

// The sh script below stands in for a SOCKS5 binary: it tries to open a
// TCP listener with nc on the requested port (Enable appends "-p <port>",
// so the port arrives as $1), so the readiness probe can be exercised
// without a real proxy binary.
func TestEnableDisable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	sup := NewSupervisor("sh", port, []string{"-c", "nc -l -p $1 || sleep 5"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Without a real listener-capable binary in the test environment this
	// will usually fail the readiness probe; assert it fails cleanly
	// rather than hanging or panicking.
	_, err = sup.Enable(ctx)
	if err == nil {
		sup.Disable()
	}
}

func TestDisableWithoutEnableIsNoop(t *testing.T) {
	sup := NewSupervisor("sh", 0, nil, nil)
	state := sup.Disable()
	if state.Enabled {
		t.Fatalf("expected disabled state")
	}
}

func TestStatusReflectsPort(t *testing.T) {
	sup := NewSupervisor("sh", 9999, nil, nil)
	if sup.Port() != 9999 {
		t.Fatalf("port = %d, want 9999", sup.Port())
	}
	if sup.Status().Enabled {
		t.Fatalf("expected not enabled before Enable")
	}
}
