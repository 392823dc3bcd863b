// Package bridge implements the PTY Bridge: the concurrent byte-pump
// pairing a container's attached PTY with a client's framed stream
// transport.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/noxterm/noxterm/internal/container"
	"github.com/noxterm/noxterm/internal/logger"
)

// ErrFrameTooLarge is returned by a Stream's ReadFrame when a single
// frame exceeds the transport's configured read limit (spec §8: 64 KiB
// passes, 64 KiB + 1 is a security violation).
var ErrFrameTooLarge = errors.New("bridge: frame exceeds maximum size")

// atomic64Time is a mutex-guarded time.Time safe for concurrent
// store/load from the heartbeat and upstream-pump goroutines.
type atomic64Time struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomic64Time) store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomic64Time) load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

const (
	readChunk        = 8 * 1024
	coalesceWindow   = 2 * time.Millisecond
	coalesceMax      = 32 * 1024
	channelCapacity  = 16
	pingInterval     = 30 * time.Second
	pongTimeout      = 90 * time.Second
	badFrameWindow   = 10 * time.Second
	badFrameMax      = 16
	cancelDrainGrace = 100 * time.Millisecond
)

// CloseReason classifies why a Bridge returned, so the transport endpoint
// can pick a WebSocket close code.
type CloseReason int

const (
	ReasonClientClosed CloseReason = iota
	ReasonPTYExited
	ReasonSecurityViolation
	ReasonIdleTimeout
	ReasonCanceled
)

// Frame is one unit of the client<->bridge stream protocol.
type Frame struct {
	Binary bool
	Data   []byte
}

// Stream is the transport-agnostic interface the bridge drives. Transport
// Endpoint implementations (e.g. a coder/websocket connection) adapt to
// this.
type Stream interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteBinary(ctx context.Context, data []byte) error
	WriteText(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason CloseReason) error
}

// ResizeMsg is the one recognized control-message shape flowing
// client->server (spec §6): {"resize":[cols,rows]}.
type ResizeMsg struct {
	Resize *[2]int `json:"resize,omitempty"`
}

// Bridge is one instance per (session, client stream) pair.
type Bridge struct {
	pty    container.PtyHandle
	stream Stream

	// OnActivity is called on every successful I/O event (both
	// directions), so the session manager can `touch` last_activity_at.
	OnActivity func()
	// OnSecurityViolation is called once, synchronously, before Run
	// returns with ReasonSecurityViolation.
	OnSecurityViolation func()

	badFrameMu    sync.Mutex
	badFrameTimes []time.Time
}

func New(pty container.PtyHandle, stream Stream) *Bridge {
	return &Bridge{pty: pty, stream: stream}
}

// Run drives both pumps until either sees EOF or error, then tears down
// the other side and returns the reason. Cancel ctx to force an
// operator-initiated shutdown (spec §4.5 Cancellation).
func (b *Bridge) Run(ctx context.Context) CloseReason {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan CloseReason, 2)
	var lastPong atomic64Time
	lastPong.store(time.Now())

	go b.downstream(ctx, done)
	go b.upstream(ctx, done, &lastPong)
	go b.heartbeat(ctx, done, &lastPong)

	var reason CloseReason
	select {
	case reason = <-done:
	case <-ctx.Done():
		reason = ReasonCanceled
	}

	// The PTY handle outlives the bridge across a plain client disconnect
	// or idle timeout - a later Attach reuses it. Only a container exit,
	// a flood-triggered security violation, or an operator cancel close
	// it for good.
	if reason == ReasonCanceled {
		time.Sleep(cancelDrainGrace)
	}
	if reason == ReasonPTYExited || reason == ReasonSecurityViolation || reason == ReasonCanceled {
		_ = b.pty.Close()
	}
	_ = b.stream.Close(reason)
	return reason
}

// downstream is the PTY -> client pump. It reads from the PTY into a
// bounded channel and applies the coalescing rule before emitting a
// binary frame.
func (b *Bridge) downstream(ctx context.Context, done chan<- CloseReason) {
	chunks := make(chan []byte, channelCapacity)
	go func() {
		defer close(chunks)
		buf := make([]byte, readChunk)
		for {
			n, err := b.pty.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- data:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case first, ok := <-chunks:
			if !ok {
				select {
				case done <- ReasonPTYExited:
				default:
				}
				return
			}
			coalesced := b.coalesce(ctx, chunks, first)
			if err := b.stream.WriteBinary(ctx, coalesced); err != nil {
				select {
				case done <- ReasonClientClosed:
				default:
				}
				return
			}
			if b.OnActivity != nil {
				b.OnActivity()
			}
		}
	}
}

// coalesce absorbs additional chunks arriving within coalesceWindow, up
// to coalesceMax total bytes, before returning (spec §4.5: "preserves
// interactivity while reducing frame overhead for bulk output"). A chunk
// is at most readChunk bytes, so another one is only awaited while a full
// chunk still fits under coalesceMax.
func (b *Bridge) coalesce(ctx context.Context, chunks <-chan []byte, first []byte) []byte {
	var buf bytes.Buffer
	buf.Write(first)
	timer := time.NewTimer(coalesceWindow)
	defer timer.Stop()
	for buf.Len()+readChunk <= coalesceMax {
		select {
		case next, ok := <-chunks:
			if !ok {
				return buf.Bytes()
			}
			buf.Write(next)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(coalesceWindow)
		case <-timer.C:
			return buf.Bytes()
		case <-ctx.Done():
			return buf.Bytes()
		}
	}
	return buf.Bytes()
}

// upstream is the client -> PTY pump. It demultiplexes each incoming
// frame per spec §4.5.
func (b *Bridge) upstream(ctx context.Context, done chan<- CloseReason, lastPong *atomic64Time) {
	for {
		frame, err := b.stream.ReadFrame(ctx)
		if err != nil {
			reason := ReasonClientClosed
			if errors.Is(err, ErrFrameTooLarge) {
				reason = ReasonSecurityViolation
				if b.OnSecurityViolation != nil {
					b.OnSecurityViolation()
				}
			}
			select {
			case done <- reason:
			default:
			}
			return
		}
		lastPong.store(time.Now())

		if frame.Binary {
			if _, err := b.pty.Write(frame.Data); err != nil {
				select {
				case done <- ReasonPTYExited:
				default:
				}
				return
			}
			if b.OnActivity != nil {
				b.OnActivity()
			}
			continue
		}

		if len(frame.Data) > 0 && frame.Data[0] == '{' {
			if b.handleControl(ctx, frame.Data) {
				select {
				case done <- ReasonSecurityViolation:
				default:
				}
				return
			}
			continue
		}

		// TEXT frame not starting with '{': UTF-8 bytes forwarded to
		// PTY stdin.
		if _, err := b.pty.Write(frame.Data); err != nil {
			select {
			case done <- ReasonPTYExited:
			default:
			}
			return
		}
		if b.OnActivity != nil {
			b.OnActivity()
		}
	}
}

// handleControl parses a JSON control message, applying resize or
// dropping unrecognized/malformed messages. Returns true if the bad-frame
// flood threshold was exceeded (security violation).
func (b *Bridge) handleControl(ctx context.Context, data []byte) bool {
	var msg ResizeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return b.noteBadFrame()
	}
	if msg.Resize != nil {
		cols, rows := msg.Resize[0], msg.Resize[1]
		if cols <= 0 || rows <= 0 {
			// Dropped, not counted: a zero-size resize is a boundary case
			// the client can legitimately send (e.g. a minimized window),
			// not a malformed frame (spec §8).
			logger.Debug("dropping zero-size resize", "cols", cols, "rows", rows)
			return false
		}
		if err := b.pty.Resize(ctx, container.Size{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
			logger.Warn("resize failed", "err", err)
		}
		return false
	}
	// Recognized JSON but no known key: logged, dropped.
	logger.Debug("unrecognized control message", "data", string(data))
	return false
}

// noteBadFrame increments the per-session bad-frame counter and reports
// whether the flood threshold (>16 in 10s) has been exceeded.
func (b *Bridge) noteBadFrame() bool {
	b.badFrameMu.Lock()
	defer b.badFrameMu.Unlock()
	now := time.Now()
	cutoff := now.Add(-badFrameWindow)
	kept := b.badFrameTimes[:0]
	for _, t := range b.badFrameTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.badFrameTimes = kept
	if len(b.badFrameTimes) > badFrameMax {
		if b.OnSecurityViolation != nil {
			b.OnSecurityViolation()
		}
		return true
	}
	return false
}

// heartbeat pings the client every 30s; two consecutive missed pongs
// (silence > 90s) terminate the bridge.
func (b *Bridge) heartbeat(ctx context.Context, done chan<- CloseReason, lastPong *atomic64Time) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(lastPong.load()) > pongTimeout {
				select {
				case done <- ReasonIdleTimeout:
				default:
				}
				return
			}
			if err := b.stream.Ping(ctx); err != nil {
				select {
				case done <- ReasonClientClosed:
				default:
				}
				return
			}
		}
	}
}
