package notify_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-dispatch/internal/notify"
)

var upgrader = websocket.Upgrader{}

// wsPair dials a real WebSocket through an httptest server and returns the
// client side plus the server side handed to the gateway.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = c.Close() })

	select {
	case s := <-serverSide:
		t.Cleanup(func() { _ = s.Close() })
		return c, s
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
		return nil, nil
	}
}

func newGateway() *notify.Gateway {
	return notify.NewGateway(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func readEnvelope(t *testing.T, c *websocket.Conn) notify.Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env notify.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestDeliverToConnectedUser(t *testing.T) {
	gw := newGateway()
	client, server := wsPair(t)
	gw.Add("u1", server)

	require.True(t, gw.DeliverToUser("u1", "trip_request", map[string]any{"trip_id": "t1"}))

	env := readEnvelope(t, client)
	require.Equal(t, "trip_request", env.Event)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "t1", data["trip_id"])
}

func TestDeliverToAbsentUserIsSilentMiss(t *testing.T) {
	gw := newGateway()
	require.False(t, gw.DeliverToUser("nobody", "trip_request", nil))
}

func TestAddReplacesPreviousSession(t *testing.T) {
	gw := newGateway()
	oldClient, oldServer := wsPair(t)
	newClient, newServer := wsPair(t)

	gw.Add("u1", oldServer)
	gw.Add("u1", newServer)

	require.True(t, gw.DeliverToUser("u1", "driver_matched", nil))
	env := readEnvelope(t, newClient)
	require.Equal(t, "driver_matched", env.Event)

	// the replaced connection was closed and receives nothing
	require.NoError(t, oldClient.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, _, err := oldClient.ReadMessage()
	require.Error(t, err)
}

func TestRemoveOnlyDropsMatchingConn(t *testing.T) {
	gw := newGateway()
	_, oldServer := wsPair(t)
	client, newServer := wsPair(t)

	gw.Add("u1", oldServer)
	gw.Add("u1", newServer)

	// a late cleanup for the replaced conn must not kill the new session
	gw.Remove("u1", oldServer)

	require.True(t, gw.DeliverToUser("u1", "trip_expired", nil))
	env := readEnvelope(t, client)
	require.Equal(t, "trip_expired", env.Event)
}

func TestDeadConnectionDroppedOnSend(t *testing.T) {
	gw := newGateway()
	client, server := wsPair(t)
	gw.Add("u1", server)

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())

	require.False(t, gw.DeliverToUser("u1", "trip_request", nil))
	// session is gone, not retried
	require.False(t, gw.DeliverToUser("u1", "trip_request", nil))
}

func TestDeliverToManyCountsConnected(t *testing.T) {
	gw := newGateway()
	c1, s1 := wsPair(t)
	_, s2 := wsPair(t)
	gw.Add("d1", s1)
	gw.Add("d2", s2)

	n := gw.DeliverToMany([]string{"d1", "d2", "d3"}, "trip_request", nil)
	require.Equal(t, 2, n)

	env := readEnvelope(t, c1)
	require.Equal(t, "trip_request", env.Event)
}
