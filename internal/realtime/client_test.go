package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayvoice/backend/internal/monitor"
)

func newWsServer(t *testing.T) (*httptest.Server, *monitor.Registry, *monitor.Bus, *Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	registry, bus, mgr := newTestStack(t)

	validate := func(token string) (string, error) {
		if token != "valid-token" {
			return "", errors.New("invalid token")
		}
		return "admin-1", nil
	}

	r := gin.New()
	r.GET("/ws", ServeWs(mgr, zap.NewNop(), validate))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry, bus, mgr
}

func dialWs(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return websocket.DefaultDialer.Dial(url, nil)
}

func readWire(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	var msg WSMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func sendWire(t *testing.T, ws *websocket.Conn, event, conversationID string) {
	t.Helper()
	data, err := json.Marshal(subscribeRequest{ConversationID: conversationID})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(WSMessage{Event: event, Data: data}))
}

func TestServeWs_RejectsMissingAndInvalidTokens(t *testing.T) {
	srv, _, _, _ := newWsServer(t)

	_, resp, err := dialWs(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = dialWs(t, srv, "forged")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWs_SubscribeDeliversSnapshotThenLive(t *testing.T) {
	srv, registry, bus, _ := newWsServer(t)
	join(t, registry, "room-42", "customer")

	ws, _, err := dialWs(t, srv, "valid-token")
	require.NoError(t, err)
	defer ws.Close()

	sendWire(t, ws, "subscribe", "room-42")

	first := readWire(t, ws)
	require.Equal(t, "subscribed", first.Event)
	var snap monitor.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snap))
	assert.Equal(t, "room-42", snap.ID)
	assert.Equal(t, 1, snap.ParticipantCount)

	bus.Publish("room-42", monitor.NewEvent("room-42", monitor.KindFinalTranscript,
		monitor.TranscriptPayload{Speaker: "customer", Text: "over the wire"}))

	second := readWire(t, ws)
	require.Equal(t, "conversation_event", second.Event)
	var ev monitor.Event
	require.NoError(t, json.Unmarshal(second.Data, &ev))
	assert.Equal(t, monitor.KindFinalTranscript, ev.Kind)
	var p monitor.TranscriptPayload
	require.NoError(t, ev.UnmarshalPayload(&p))
	assert.Equal(t, "over the wire", p.Text)
}

func TestServeWs_SubscribeUnknownConversationRepliesError(t *testing.T) {
	srv, _, _, _ := newWsServer(t)

	ws, _, err := dialWs(t, srv, "valid-token")
	require.NoError(t, err)
	defer ws.Close()

	sendWire(t, ws, "subscribe", "room-missing")

	msg := readWire(t, ws)
	require.Equal(t, "error", msg.Event)
	var p errorPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	assert.Equal(t, "conversation_not_found", p.Code)
	assert.Equal(t, "room-missing", p.ConversationID)
}

func TestServeWs_TransportFailureReleasesSubscriptions(t *testing.T) {
	srv, registry, bus, mgr := newWsServer(t)
	join(t, registry, "room-42", "customer")

	ws, _, err := dialWs(t, srv, "valid-token")
	require.NoError(t, err)

	sendWire(t, ws, "subscribe", "room-42")
	first := readWire(t, ws)
	require.Equal(t, "subscribed", first.Event)
	require.Equal(t, 1, bus.SubscriberCount("room-42"))
	require.Equal(t, 1, mgr.ConnectionCount())

	// Kill the socket from the client side; the read pump must drain the
	// connection and every subscription with it.
	require.NoError(t, ws.Close())

	assert.Eventually(t, func() bool {
		return bus.SubscriberCount("room-42") == 0 && mgr.ConnectionCount() == 0
	}, time.Second, 10*time.Millisecond)
}
