// Package fake backs internal/container.Adapter with real local PTYs
// instead of a Docker daemon, so internal/bridge and internal/session can
// be exercised in tests without Docker installed.
package fake

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/noxterm/noxterm/internal/container"
	"github.com/noxterm/noxterm/internal/model"
)

// Adapter is a process-local stand-in for the Docker-backed
// container.Adapter. "Containers" are just tracked PIDs running
// /bin/sh, each with its own PTY.
type Adapter struct {
	mu    sync.Mutex
	procs map[string]*os.Process
}

func NewAdapter() *Adapter {
	return &Adapter{procs: make(map[string]*os.Process)}
}

var _ container.Adapter = (*Adapter)(nil)

func (a *Adapter) EnsureImage(ctx context.Context, image string) error { return nil }

func (a *Adapter) Create(ctx context.Context, image string, limits model.ResourceLimits, env map[string]string, socksPort uint16) (string, error) {
	return fmt.Sprintf("fake-%d", len(a.procs)+1), nil
}

func (a *Adapter) Start(ctx context.Context, ref string) error { return nil }

func (a *Adapter) ExecPTY(ctx context.Context, ref string, argv []string, env map[string]string, initial container.Size) (container.PtyHandle, error) {
	if len(argv) == 0 {
		argv = []string{"/bin/sh"}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = envList(env)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: initial.Cols, Rows: initial.Rows})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	a.mu.Lock()
	a.procs[ref] = cmd.Process
	a.mu.Unlock()
	return &handle{f: f, cmd: cmd}, nil
}

func (a *Adapter) Stop(ctx context.Context, ref string, grace int) error {
	a.mu.Lock()
	p := a.procs[ref]
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Signal(syscall.SIGTERM)
}

func (a *Adapter) Remove(ctx context.Context, ref string, force bool) error {
	a.mu.Lock()
	p := a.procs[ref]
	delete(a.procs, ref)
	a.mu.Unlock()
	if p != nil && force {
		_ = p.Kill()
	}
	return nil
}

func (a *Adapter) IsRunning(ctx context.Context, ref string) (bool, error) {
	a.mu.Lock()
	p := a.procs[ref]
	a.mu.Unlock()
	if p == nil {
		return false, nil
	}
	return p.Signal(syscall.Signal(0)) == nil, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type handle struct {
	f   *os.File
	cmd *exec.Cmd
	mu  sync.Mutex
}

var _ container.PtyHandle = (*handle)(nil)

func (h *handle) Read(b []byte) (int, error)  { return h.f.Read(b) }
func (h *handle) Write(b []byte) (int, error) { return h.f.Write(b) }

func (h *handle) Resize(ctx context.Context, size container.Size) error {
	return pty.Setsize(h.f, &pty.Winsize{Cols: size.Cols, Rows: size.Rows})
}

func (h *handle) Signal(ctx context.Context, sig string) error {
	switch sig {
	case "SIGINT":
		return h.cmd.Process.Signal(syscall.SIGINT)
	case "SIGTERM":
		return h.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Close()
}
