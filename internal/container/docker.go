package container

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"

	"github.com/noxterm/noxterm/internal/model"
)

// DockerAdapter is the production Adapter, backed by the real Docker
// Engine API.
type DockerAdapter struct {
	cli  *dockerclient.Client
	tier SecurityTier
}

// NewDockerAdapter builds an adapter from DOCKER_HOST (empty uses the
// client library's own default resolution) and a capability tier.
func NewDockerAdapter(host string, tier SecurityTier) (*DockerAdapter, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("new docker client: %w", err)
	}
	if tier == "" {
		tier = TierHardened
	}
	return &DockerAdapter{cli: cli, tier: tier}, nil
}

func (a *DockerAdapter) EnsureImage(ctx context.Context, img string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	rc, err := a.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, img, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrImageUnavailable, img, err)
	}
	return nil
}

func (a *DockerAdapter) Create(ctx context.Context, img string, limits model.ResourceLimits, env map[string]string, socksPort uint16) (string, error) {
	envList := make([]string, 0, len(env)+2)
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	if socksPort != 0 {
		proxyURL := "socks5h://host.docker.internal:" + strconv.Itoa(int(socksPort))
		envList = append(envList, "ALL_PROXY="+proxyURL, "HTTPS_PROXY="+proxyURL, "HTTP_PROXY="+proxyURL)
	}

	capDrop := CapDropFor(a.tier)
	cfg := &container.Config{
		Image: img,
		// PID1 just has to stay alive between Create/Start and the first
		// ExecPTY attach - the interactive shell is exec'd into it, not
		// run as the init process itself.
		Cmd:   []string{"/bin/sh", "-c", "sleep infinity"},
		Tty:   false,
		Env:   envList,
	}
	hostCfg := &container.HostConfig{
		CapDrop:        capDrop,
		CapAdd:         CapAddFor(a.tier),
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: false, // never enabled: the root filesystem is writable for every image, since not all images boot read-only.
		Resources: container.Resources{
			Memory:    limits.MemoryBytes,
			CPUShares: limits.CPUShares,
			PidsLimit: &limits.PidsMax,
		},
		NetworkMode: "bridge",
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	return resp.ID, nil
}

func (a *DockerAdapter) Start(ctx context.Context, ref string) error {
	if err := a.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (a *DockerAdapter) Stop(ctx context.Context, ref string, grace int) error {
	timeout := grace
	return a.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
}

func (a *DockerAdapter) Remove(ctx context.Context, ref string, force bool) error {
	return a.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: force})
}

func (a *DockerAdapter) IsRunning(ctx context.Context, ref string) (bool, error) {
	info, err := a.cli.ContainerInspect(ctx, ref)
	if err != nil {
		return false, err
	}
	return info.State.Running, nil
}

func (a *DockerAdapter) ExecPTY(ctx context.Context, ref string, argv []string, env map[string]string, initial Size) (PtyHandle, error) {
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          envList,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  &[2]uint{uint(initial.Rows), uint(initial.Cols)},
	}
	execID, err := a.cli.ContainerExecCreate(ctx, ref, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := a.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	return &dockerPTY{cli: a.cli, execID: execID.ID, conn: &attach}, nil
}

// dockerPTY wraps a hijacked exec connection as a PtyHandle. Close is
// idempotent: the closed flag makes repeat calls no-ops. Read and Write do
// not consult the flag; once the connection is closed they return its
// errors.
type dockerPTY struct {
	cli    *dockerclient.Client
	execID string
	conn   *types.HijackedResponse
	mu     sync.Mutex
	closed bool
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.conn.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.conn.Conn.Write(b)
}

func (p *dockerPTY) Resize(ctx context.Context, size Size) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.cli.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Height: uint(size.Rows),
		Width:  uint(size.Cols),
	})
}

func (p *dockerPTY) Signal(ctx context.Context, sig string) error {
	// docker exec has no direct signal API; approximate by writing the
	// control character for SIGINT/EOF when requested, otherwise no-op -
	// process termination goes through Adapter.Stop on the container.
	switch sig {
	case "SIGINT":
		_, err := p.conn.Conn.Write([]byte{0x03})
		return err
	case "SIGEOF":
		_, err := p.conn.Conn.Write([]byte{0x04})
		return err
	}
	return nil
}

func (p *dockerPTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}
