package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/syncore/internal/models"
	syncpkg "github.com/kimhsiao/syncore/internal/sync"
)

func dialHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHub_broadcastsToUnsubscribedClients(t *testing.T) {
	hub, conn := dialHub(t)

	hub.BroadcastProgress(syncpkg.Progress{Total: 4, Completed: 1, Percentage: 25})

	msg := readMessage(t, conn)
	assert.Equal(t, EventSyncProgress, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.EqualValues(t, 4, data["total"])
	assert.EqualValues(t, 25, data["percentage"])
}

func TestHub_subscriptionFiltersEvents(t *testing.T) {
	hub, conn := dialHub(t)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventNetworkChanged},
	}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastProgress(syncpkg.Progress{Total: 1})
	hub.BroadcastNetwork(false)

	msg := readMessage(t, conn)
	assert.Equal(t, EventNetworkChanged, msg["type"])
	assert.Equal(t, map[string]interface{}{"online": false}, msg["data"])
}

func TestHub_ping(t *testing.T) {
	_, conn := dialHub(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg["action"])
}

func TestHub_refreshedCarriesError(t *testing.T) {
	hub, conn := dialHub(t)

	hub.BroadcastRefreshed(models.KindMembers, 0, assert.AnError)

	msg := readMessage(t, conn)
	assert.Equal(t, EventRecordsRefreshed, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "members", data["kind"])
	assert.Equal(t, assert.AnError.Error(), data["error"])
}

func TestHub_closeDisconnectsClients(t *testing.T) {
	hub, conn := dialHub(t)

	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting after close is a no-op.
	hub.BroadcastNetwork(true)
}

func TestIsLocalOrigin(t *testing.T) {
	assert.True(t, isLocalOrigin("http://localhost:5173"))
	assert.True(t, isLocalOrigin("tauri://localhost"))
	assert.False(t, isLocalOrigin("https://evil.example"))
}
