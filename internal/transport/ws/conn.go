package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/frame"
)

// writeTimeout bounds a single write so a stalled client cannot block the
// pipeline that emits to it.
const writeTimeout = 10 * time.Second

// Conn adapts a WebSocket connection to [session.Transport]. Audio frames
// are sent as binary messages, everything else as JSON text messages.
type Conn struct {
	ws *websocket.Conn
}

var _ session.Transport = (*Conn)(nil)

// NewConn wraps c.
func NewConn(c *websocket.Conn) *Conn { return &Conn{ws: c} }

// Send implements session.Transport.
func (c *Conn) Send(ctx context.Context, f frame.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if f.Kind == frame.KindAudio {
		if err := c.ws.Write(ctx, websocket.MessageBinary, f.Audio.Data); err != nil {
			return fmt.Errorf("ws: write audio: %w", err)
		}
		return nil
	}
	if err := wsjson.Write(ctx, c.ws, encode(f)); err != nil {
		return fmt.Errorf("ws: write %s: %w", f.Kind, err)
	}
	return nil
}

// Close implements session.Transport. The close code follows the reason.
func (c *Conn) Close(reason session.Reason) error {
	code, text := closeStatus(reason)
	if reason == session.ReasonDisconnect {
		// The peer is gone; there is nobody to shake hands with.
		return c.ws.CloseNow()
	}
	return c.ws.Close(code, text)
}

// closeStatus maps a teardown reason onto a WebSocket close code.
func closeStatus(r session.Reason) (websocket.StatusCode, string) {
	switch r {
	case session.ReasonIdle:
		return websocket.StatusGoingAway, "idle timeout"
	case session.ReasonShutdown:
		return websocket.StatusGoingAway, "server shutting down"
	case session.ReasonPipelineFailure:
		return websocket.StatusInternalError, "pipeline failure"
	case session.ReasonUnavailable:
		return websocket.StatusTryAgainLater, "providers unavailable"
	default:
		return websocket.StatusNormalClosure, ""
	}
}
