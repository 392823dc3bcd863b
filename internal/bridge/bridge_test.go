package bridge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/noxterm/noxterm/internal/container"
)

// pipePTY is an in-memory PtyHandle for tests: writes loop back as reads.
type pipePTY struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	resize container.Size
	mu     sync.Mutex
}

func newPipePTY() *pipePTY {
	r, w := io.Pipe()
	return &pipePTY{r: r, w: w}
}

func (p *pipePTY) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePTY) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePTY) Resize(ctx context.Context, s container.Size) error {
	p.mu.Lock()
	p.resize = s
	p.mu.Unlock()
	return nil
}
func (p *pipePTY) Signal(ctx context.Context, sig string) error { return nil }
func (p *pipePTY) Close() error                                 { p.r.Close(); return p.w.Close() }

// fakeStream is an in-memory Stream for tests, driven by queued inbound
// frames and recording outbound writes.
type fakeStream struct {
	mu       sync.Mutex
	inbound  []Frame
	outbound []Frame
	closed   bool
	closeReason CloseReason
}

func (f *fakeStream) ReadFrame(ctx context.Context) (Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return Frame{}, io.EOF
	}
	fr := f.inbound[0]
	f.inbound = f.inbound[1:]
	return fr, nil
}

func (f *fakeStream) WriteBinary(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.outbound = append(f.outbound, Frame{Binary: true, Data: cp})
	return nil
}

func (f *fakeStream) WriteText(ctx context.Context, data []byte) error { return nil }
func (f *fakeStream) Ping(ctx context.Context) error                   { return nil }
func (f *fakeStream) Close(reason CloseReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeReason = reason
	return nil
}

func TestUpstreamResizeControlMessage(t *testing.T) {
	pty := newPipePTY()
	stream := &fakeStream{inbound: []Frame{
		{Binary: false, Data: []byte(`{"resize":[120,40]}`)},
	}}
	b := New(pty, stream)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	if pty.resize.Cols != 120 || pty.resize.Rows != 40 {
		t.Fatalf("resize = %+v, want {120 40}", pty.resize)
	}
}

func TestBadFrameFloodTriggersSecurityViolation(t *testing.T) {
	pty := newPipePTY()
	var inbound []Frame
	for i := 0; i < badFrameMax+1; i++ {
		inbound = append(inbound, Frame{Binary: false, Data: []byte(`{not valid json`)})
	}
	stream := &fakeStream{inbound: inbound}
	var violated bool
	b := New(pty, stream)
	b.OnSecurityViolation = func() { violated = true }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason := b.Run(ctx)

	if !violated {
		t.Fatal("expected OnSecurityViolation to fire")
	}
	if reason != ReasonSecurityViolation {
		t.Fatalf("reason = %v, want ReasonSecurityViolation", reason)
	}
}
