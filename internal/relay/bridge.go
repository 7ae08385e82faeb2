package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Bridge forwards frames between ui and upstream until either side closes or
// fails, or ctx is done. Both sockets are closed before Bridge returns.
// A normal close from either peer returns nil.
func (r *Relay) Bridge(ctx context.Context, ui, upstream Conn) error {
	if r.metrics != nil {
		r.metrics.RecordRelayBridges(ctx, 1)
		defer r.metrics.RecordRelayBridges(context.Background(), -1)
	}

	errc := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errc <- forward(upstream, ui, r.writeTimeout)
	}()
	go func() {
		defer wg.Done()
		errc <- forward(ui, upstream, r.writeTimeout)
	}()

	var first error
	select {
	case first = <-errc:
	case <-ctx.Done():
		first = ctx.Err()
	}

	// Closing both sides unblocks the loop that is still reading.
	closeConn(ui)
	closeConn(upstream)
	wg.Wait()

	if isNormalClose(first) {
		r.logger.Debug("Bridge closed")
		return nil
	}
	r.logger.Debug("Bridge ended", "error", first)
	return first
}

// forward copies frames from src to dst, preserving the frame type. A dst
// that stops reading fails the bridge after writeTimeout.
func forward(src, dst Conn, writeTimeout time.Duration) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := writeFrame(dst, mt, data, writeTimeout); err != nil {
			return err
		}
	}
}

func isNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
