package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// WSURL converts an http(s) server URL plus path into a ws(s) URL.
func WSURL(serverURL, path string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + path
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + path
	}
	return serverURL + path
}

// MessageReader is the read side of a socket, satisfied by *websocket.Conn.
type MessageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
}

// ReadJSON reads one message within timeout and decodes it into v.
func ReadJSON(tb testing.TB, conn MessageReader, v any, timeout time.Duration) {
	tb.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		tb.Fatalf("set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		tb.Fatalf("read message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		tb.Fatalf("decode message %q: %v", data, err)
	}
}
