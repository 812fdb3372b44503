package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/domain"
)

func mustReceive(t *testing.T, ch <-chan []byte, timeout time.Duration) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for payload")
		return nil
	}
}

func TestHubPublishReachesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	a := NewClient(hub, nil)
	b := NewClient(hub, nil)
	hub.register <- a
	hub.register <- b

	hub.Publish(domain.ActivityEntry{ID: "e1", Type: "brief-approved", Message: "hi"})

	for _, c := range []*Client{a, b} {
		var got domain.ActivityEntry
		require.NoError(t, json.Unmarshal(mustReceive(t, c.Send, time.Second), &got))
		assert.Equal(t, "e1", got.ID)
	}
	assert.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 10*time.Millisecond)
}

func TestHubDropsSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	slow := &Client{Hub: hub, Send: make(chan []byte)}
	hub.register <- slow
	hub.Broadcast([]byte("x"))

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.Send:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastWithoutRunDoesNotBlock(t *testing.T) {
	hub := NewHub()
	for i := 0; i < 100; i++ {
		hub.Broadcast([]byte("x"))
	}
}

func TestHandlerStreamsEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(&Handler{Hub: hub})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(domain.ActivityEntry{ID: "e2", Type: "brief-rejected"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got domain.ActivityEntry
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "e2", got.ID)
	assert.Equal(t, "brief-rejected", got.Type)
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	hub := NewHub()
	h := &Handler{Hub: hub, AllowedOrigins: []string{"https://dash.example.com"}}
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))
	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, h.checkOrigin(req))
}
