package connection

import (
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

func newPushServer(t *testing.T, token string, received chan<- ControlMessage) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var msg ControlMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		_ = ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"patient:updated","data":{"id":"p1"},"timestamp":"2026-03-01T10:00:00Z"}`))
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketDialer_BearerHandshakeAndFrames(t *testing.T) {
	received := make(chan ControlMessage, 1)
	srv := newPushServer(t, "secret", received)
	d := NewWebsocketDialer(wsURL(srv), time.Second)

	conn, err := d.Dial(context.Background(), "secret")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ControlMessage{Action: "subscribe", Topics: []string{"patient:p1"}}))
	select {
	case msg := <-received:
		assert.Equal(t, []string{"patient:p1"}, msg.Topics)
	case <-time.After(time.Second):
		t.Fatal("subscribe not received")
	}

	b, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, "patient:updated", f.Type)
}

func TestWebsocketDialer_UnauthorizedIsAuthRejected(t *testing.T) {
	srv := newPushServer(t, "secret", make(chan ControlMessage, 1))
	d := NewWebsocketDialer(wsURL(srv), time.Second)

	_, err := d.Dial(context.Background(), "stale")

	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestWebsocketDialer_RefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	d := NewWebsocketDialer(wsURL(srv), time.Second)
	srv.Close()

	_, err := d.Dial(context.Background(), "secret")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthRejected)
}
