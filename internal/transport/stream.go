package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/coder/websocket"

	"github.com/noxterm/noxterm/internal/bridge"
)

// maxFrameBytes is the read limit enforced on every stream connection
// (spec §8: 64 KiB passes, 64 KiB + 1 is a security violation).
const maxFrameBytes = 65536

// wsStream adapts a coder/websocket connection to bridge.Stream. On the
// JSON-only /ws/{id} route, outbound PTY bytes are wrapped as the legacy
// `{"type":"pty_output","data":...}` text frame (spec §6); on /pty/{id}
// they go out as raw binary frames.
type wsStream struct {
	conn            *websocket.Conn
	binaryPreferred bool
}

type ptyOutputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (s *wsStream) ReadFrame(ctx context.Context) (bridge.Frame, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if isFrameTooLarge(err) {
			return bridge.Frame{}, bridge.ErrFrameTooLarge
		}
		return bridge.Frame{}, err
	}
	return bridge.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// isFrameTooLarge reports whether err came from the connection's
// SetReadLimit being exceeded. coder/websocket closes the connection
// itself (status 1009) and surfaces the violation as a local read
// error rather than a typed sentinel, so both the close status and the
// library's own error text are checked.
func isFrameTooLarge(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
		return true
	}
	return strings.Contains(err.Error(), "read limited")
}

func (s *wsStream) WriteBinary(ctx context.Context, data []byte) error {
	if !s.binaryPreferred {
		msg, err := json.Marshal(ptyOutputMsg{Type: "pty_output", Data: base64.StdEncoding.EncodeToString(data)})
		if err != nil {
			return err
		}
		return s.conn.Write(ctx, websocket.MessageText, msg)
	}
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *wsStream) WriteText(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsStream) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsStream) Close(reason bridge.CloseReason) error {
	code, text := closeCodeFor(reason)
	err := s.conn.Close(code, text)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return nil
}

// closeCodeFor maps a bridge close reason to the stream close codes
// spec.md §6 defines.
func closeCodeFor(reason bridge.CloseReason) (websocket.StatusCode, string) {
	switch reason {
	case bridge.ReasonSecurityViolation:
		return 4011, "security violation"
	case bridge.ReasonIdleTimeout:
		return 4008, "idle timeout"
	case bridge.ReasonCanceled:
		return websocket.StatusNormalClosure, "canceled"
	case bridge.ReasonPTYExited:
		return websocket.StatusNormalClosure, "pty exited"
	default:
		return websocket.StatusNormalClosure, "closed"
	}
}
