package ws

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesnolabs/marketd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// idleBus satisfies domain.SignalBus without ever delivering anything.
type idleBus struct{}

func (idleBus) Publish(context.Context, string, []byte) error { return nil }
func (idleBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}
func (idleBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (idleBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func newTestClient(h *Hub) *client {
	return &client{
		hub:  h,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{"fills": true},
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(idleBus{}, testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()

	c := newTestClient(h)
	h.register <- c
	require.Equal(t, 1, h.clientCount())

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("hub did not stop after cancel")
	}

	// Shutdown closed every client's send channel and emptied the set.
	_, open := <-c.send
	assert.False(t, open)
	assert.Equal(t, 0, h.clientCount())
}

func TestClientDropDoesNotBlockAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(idleBus{}, testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()

	c := newTestClient(h)
	h.register <- c

	cancel()
	<-runDone

	// The read pump's final handoff must return even though nobody drains
	// unregister anymore.
	released := make(chan struct{})
	go func() {
		c.drop()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("drop blocked after hub shutdown")
	}
}

func TestHubBroadcastReachesSubscribedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(idleBus{}, testLogger())

	runDone := make(chan error, 1)
	go func() { runDone <- h.Run(ctx) }()

	sub := newTestClient(h)
	other := newTestClient(h)
	other.subs = map[string]bool{"settlements": true}
	h.register <- sub
	h.register <- other

	h.broadcast <- broadcastMsg{channel: "fills", data: []byte(`{"order_id":"o1"}`)}

	select {
	case msg := <-sub.send:
		assert.JSONEq(t, `{"channel":"fills","payload":{"order_id":"o1"}}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("subscribed client received nothing")
	}
	assert.Empty(t, other.send)

	cancel()
	<-runDone
}
