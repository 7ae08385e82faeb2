package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestGroup_StartAndShutdown(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	g := NewGroup(context.Background(), "0", ok, "0", ok)
	g.Start()

	done := make(chan struct{})
	go func() {
		g.Shutdown(5 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestGroup_ListenFailureEndsWait(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	g := NewGroup(context.Background(), "not-a-port", ok, "0", ok)
	g.Start()
	defer g.Shutdown(time.Second)

	if err := g.Wait(); err == nil {
		t.Error("Wait() should return the listen error")
	}
}
