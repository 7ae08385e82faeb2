package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	mt   int
	data []byte
	err  error
}

// fakeConn is an in-memory socket. Frames pushed with deliver are returned
// by ReadMessage; writes are recorded.
type fakeConn struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	written    []frame
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) deliver(mt int, data []byte) { c.in <- frame{mt: mt, data: data} }

func (c *fakeConn) fail(err error) { c.in <- frame{err: err} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.mt, f.data, f.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, frame{mt: mt, data: slices.Clone(data)})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.written))
	for _, f := range c.written {
		var m Message
		if err := json.Unmarshal(f.data, &m); err != nil {
			t.Fatalf("invalid JSON frame %q: %v", f.data, err)
		}
		out = append(out, m)
	}
	return out
}

func TestBroadcast_NoListenersIsNoop(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.Broadcast("job-1", Message{Status: "running", Progress: 10})

	conn := newFakeConn()
	if err := r.AddListener("job-1", conn); err != nil {
		t.Fatal(err)
	}
	r.RemoveListener("job-1", conn)
	r.Broadcast("job-1", Message{Status: "running", Progress: 20})

	if got := len(conn.messages(t)); got != 1 {
		t.Errorf("frames after removal = %d, want only the ack", got)
	}
	if r.ListenerCount("job-1") != 0 {
		t.Errorf("ListenerCount() = %d, want 0", r.ListenerCount("job-1"))
	}
}

func TestAddListener_SendsAck(t *testing.T) {
	t.Parallel()

	r := New(nil)
	conn := newFakeConn()
	if err := r.AddListener("job-1", conn); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0].Type != TypeConnected || msgs[0].JobID != "job-1" {
		t.Errorf("ack = %+v", msgs)
	}
}

func TestAddListener_AckFailure(t *testing.T) {
	t.Parallel()

	r := New(nil)
	conn := newFakeConn()
	conn.failWrites = true
	if err := r.AddListener("job-1", conn); err == nil {
		t.Error("expected error when ack cannot be sent")
	}
}

func TestAddListenerWithSnapshot_OrderedBeforeBroadcasts(t *testing.T) {
	t.Parallel()

	r := New(nil)
	conn := newFakeConn()
	err := r.AddListenerWithSnapshot("job-1", conn, func() (Message, bool) {
		return Message{Status: "running", Progress: 30}, true
	})
	if err != nil {
		t.Fatal(err)
	}
	r.Broadcast("job-1", Message{Status: "running", Progress: 42, Message: "analyzing"})

	msgs := conn.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("got %d frames, want 3", len(msgs))
	}
	if msgs[0].Type != TypeConnected {
		t.Errorf("first frame = %+v, want connected", msgs[0])
	}
	if msgs[1].Type != TypeProgress || msgs[1].Progress != 30 || msgs[1].JobID != "job-1" {
		t.Errorf("snapshot frame = %+v", msgs[1])
	}
	if msgs[2].Progress != 42 || msgs[2].Message != "analyzing" {
		t.Errorf("broadcast frame = %+v", msgs[2])
	}
}

func TestBroadcast_FanOutIgnoresFailures(t *testing.T) {
	t.Parallel()

	r := New(nil)
	good1, bad, good2 := newFakeConn(), newFakeConn(), newFakeConn()
	other := newFakeConn()
	for _, c := range []*fakeConn{good1, bad, good2} {
		if err := r.AddListener("job-1", c); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.AddListener("job-2", other); err != nil {
		t.Fatal(err)
	}
	bad.mu.Lock()
	bad.failWrites = true
	bad.mu.Unlock()

	r.Broadcast("job-1", Message{Status: "failed", Progress: 30, Error: "boom"})

	for name, c := range map[string]*fakeConn{"good1": good1, "good2": good2} {
		msgs := c.messages(t)
		if len(msgs) != 2 {
			t.Fatalf("%s got %d frames, want 2", name, len(msgs))
		}
		if msgs[1].Type != TypeProgress || msgs[1].Status != "failed" || msgs[1].Error != "boom" {
			t.Errorf("%s frame = %+v", name, msgs[1])
		}
	}
	if got := len(other.messages(t)); got != 1 {
		t.Errorf("listener of another job got %d frames, want 1", got)
	}
	if r.ListenerCount("job-1") != 2 {
		t.Errorf("ListenerCount = %d, want the failed listener dropped", r.ListenerCount("job-1"))
	}
	if !bad.isClosed() {
		t.Error("failed listener was not closed")
	}
}

func TestRemoveListener_Unknown(t *testing.T) {
	t.Parallel()

	r := New(nil)
	r.RemoveListener("nope", newFakeConn())

	conn := newFakeConn()
	_ = r.AddListener("job-1", conn)
	r.RemoveListener("job-1", newFakeConn())
	if r.ListenerCount("job-1") != 1 {
		t.Errorf("ListenerCount() = %d, want 1", r.ListenerCount("job-1"))
	}
}

func TestBroadcast_Concurrent(t *testing.T) {
	t.Parallel()

	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := newFakeConn()
			jobID := fmt.Sprintf("job-%d", i%3)
			_ = r.AddListener(jobID, c)
			r.RemoveListener(jobID, c)
		}(i)
		go func(i int) {
			defer wg.Done()
			r.Broadcast(fmt.Sprintf("job-%d", i%3), Message{Progress: i})
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		if n := r.ListenerCount(fmt.Sprintf("job-%d", i)); n != 0 {
			t.Errorf("job-%d has %d listeners left", i, n)
		}
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	r := New(nil)
	a, b := newFakeConn(), newFakeConn()
	_ = r.AddListener("job-1", a)
	_ = r.AddListener("job-2", b)

	r.CloseAll()

	if !a.isClosed() || !b.isClosed() {
		t.Error("CloseAll did not close every listener")
	}
}

func TestMessage_JSONShape(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Message{Type: TypeProgress, JobID: "j", Status: "running", Progress: 0})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"progress","jobId":"j","status":"running","progress":0}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestBridge_ForwardsBothWaysAndClosesBoth(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ui, upstream := newFakeConn(), newFakeConn()

	done := make(chan error, 1)
	go func() { done <- r.Bridge(t.Context(), ui, upstream) }()

	payload := []byte(`{"type":"progress","jobId":"j","progress":42}`)
	binary := []byte{0x00, 0xff, 0x10}
	upstream.deliver(websocket.TextMessage, payload)
	upstream.deliver(websocket.BinaryMessage, binary)
	ui.deliver(websocket.TextMessage, []byte("ping from ui"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ui.mu.Lock()
		nUI := len(ui.written)
		ui.mu.Unlock()
		upstream.mu.Lock()
		nUp := len(upstream.written)
		upstream.mu.Unlock()
		if nUI == 2 && nUp == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	upstream.fail(&websocket.CloseError{Code: websocket.CloseNormalClosure})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Bridge() error = %v, want nil on normal close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not return after upstream closed")
	}

	if !ui.isClosed() || !upstream.isClosed() {
		t.Error("both sockets should be closed")
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()
	if len(ui.written) != 2 ||
		string(ui.written[0].data) != string(payload) || ui.written[0].mt != websocket.TextMessage ||
		!slices.Equal(ui.written[1].data, binary) || ui.written[1].mt != websocket.BinaryMessage {
		t.Errorf("ui received %+v", ui.written)
	}
	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	if len(upstream.written) != 1 || string(upstream.written[0].data) != "ping from ui" {
		t.Errorf("upstream received %+v", upstream.written)
	}
}

func TestBridge_ErrorEndsBridge(t *testing.T) {
	t.Parallel()

	r := New(nil)
	ui, upstream := newFakeConn(), newFakeConn()

	done := make(chan error, 1)
	go func() { done <- r.Bridge(t.Context(), ui, upstream) }()

	ui.fail(errors.New("connection reset"))

	select {
	case err := <-done:
		if err == nil {
			t.Error("Bridge() error = nil, want the read error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not return after ui failed")
	}
	if !ui.isClosed() || !upstream.isClosed() {
		t.Error("both sockets should be closed")
	}
}
