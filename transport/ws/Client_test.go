package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every text message with the same payload.
func echoServer(t *testing.T, protocols chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		protocols <- r.Header.Get("Sec-WebSocket-Protocol")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
}

func TestClientRoundTrip(t *testing.T) {
	protocols := make(chan string, 4)
	srv := echoServer(t, protocols)
	defer srv.Close()

	c := New("ws"+strings.TrimPrefix(srv.URL, "http")+"/CP-1", WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	assert.ErrorIs(t, c.Send([]byte(`[2,"1","Heartbeat",{}]`)), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-c.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("not connected")
	}
	assert.Equal(t, Subprotocol, <-protocols)
	require.True(t, c.IsConnected())

	require.NoError(t, c.Send([]byte(`[2,"1","Heartbeat",{}]`)))
	select {
	case frame := <-c.Inbound():
		assert.Equal(t, `[2,"1","Heartbeat",{}]`, string(frame))
	case <-time.After(5 * time.Second):
		t.Fatal("no echo received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.IsConnected())
}

func TestClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	accepted := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- struct{}{}
		conn.Close()
	}))
	defer srv.Close()

	c := New("ws"+strings.TrimPrefix(srv.URL, "http")+"/CP-1", WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d not established", i+1)
		}
	}
}

func TestSendGivesUpOnStalledPeer(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{Subprotocol}}
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New("ws"+strings.TrimPrefix(srv.URL, "http")+"/CP-1",
		WithBackoff(time.Second, time.Second), WithWriteWait(100*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-c.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("not connected")
	}

	frame := bytes.Repeat([]byte("x"), 1<<20)
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = c.Send(frame)
	}
	assert.Error(t, err, "a peer that stops reading must not block Send forever")
}
