// Package container implements the Container Runtime Adapter: a narrow
// capability interface over the Docker Engine API used to provision,
// attach to, and tear down the per-session containers that back a
// terminal session.
package container

import (
	"context"
	"errors"
	"io"

	"github.com/noxterm/noxterm/internal/model"
)

var (
	ErrImageUnavailable   = errors.New("image unavailable")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
)

// Size is a terminal dimension in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// PtyHandle is a live, attached pseudo-terminal on a container's shell.
// Reads return as soon as any bytes are available; writes are forwarded
// verbatim. Implementations must make Close safe to call more than once
// and safe to call concurrently with Read/Write.
type PtyHandle interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, size Size) error
	Signal(ctx context.Context, sig string) error
	Close() error
}

// Adapter is the capability interface the session manager and PTY bridge
// consume. One Adapter instance is shared process-wide.
type Adapter interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, image string, limits model.ResourceLimits, env map[string]string, socksPort uint16) (ref string, err error)
	Start(ctx context.Context, ref string) error
	ExecPTY(ctx context.Context, ref string, argv []string, env map[string]string, initial Size) (PtyHandle, error)
	Stop(ctx context.Context, ref string, grace int) error
	Remove(ctx context.Context, ref string, force bool) error
	IsRunning(ctx context.Context, ref string) (bool, error)
}

// BaseEnv is the environment every session container receives, per the
// adapter's fixed security/compatibility defaults.
func BaseEnv() map[string]string {
	return map[string]string{
		"TERM":            "xterm-256color",
		"LANG":            "C.UTF-8",
		"LC_ALL":          "C.UTF-8",
		"DEBIAN_FRONTEND": "noninteractive",
	}
}

// MergeEnv overlays extra onto the base environment, extra taking
// precedence.
func MergeEnv(extra map[string]string) map[string]string {
	out := BaseEnv()
	for k, v := range extra {
		out[k] = v
	}
	return out
}
