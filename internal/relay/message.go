// Package relay fans job progress out to connected sockets and bridges a
// UI socket to an agent's progress socket.
package relay

import (
	"time"

	"github.com/gorilla/websocket"
)

// MessageType identifies a relay message.
type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeProgress  MessageType = "progress"
)

// Message is the JSON frame sent to progress listeners.
type Message struct {
	Type     MessageType `json:"type"`
	JobID    string      `json:"jobId"`
	Status   string      `json:"status,omitempty"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Conn is the socket surface the relay needs. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// controlWriter is implemented by sockets that can send a close frame.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// deadlineWriter is implemented by sockets that support write deadlines.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

const (
	closeFrameTimeout = time.Second

	// DefaultWriteTimeout bounds one frame write to a listener or bridge peer.
	DefaultWriteTimeout = 10 * time.Second
)

// writeFrame writes one frame, bounded by timeout when c supports deadlines.
// A peer that stops reading then fails the write instead of blocking it.
func writeFrame(c Conn, mt int, data []byte, timeout time.Duration) error {
	if dw, ok := c.(deadlineWriter); ok && timeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.WriteMessage(mt, data)
}

// closeConn sends a normal close frame when supported and closes the socket.
// Errors are ignored; the peer may already be gone.
func closeConn(c Conn) {
	if cw, ok := c.(controlWriter); ok {
		_ = cw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout))
	}
	_ = c.Close()
}
