package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmcore/internal/model"
	"github.com/dmcore/internal/ws"
)

type openRoster struct{}

func (openRoster) IsActiveParticipant(context.Context, string, string) (bool, error) {
	return true, nil
}
func (openRoster) ActiveParticipantIDs(context.Context, string) ([]string, error) {
	return nil, nil
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) SetOnline(_ context.Context, userID string, _ time.Duration) error {
	p.mu.Lock()
	p.events = append(p.events, "online:"+userID)
	p.mu.Unlock()
	return nil
}

func (p *recordingPresence) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	p.events = append(p.events, "offline:"+userID)
	p.mu.Unlock()
	return nil
}

func (p *recordingPresence) has(ev string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == ev {
			return true
		}
	}
	return false
}

// startGateway runs a hub behind a real WebSocket endpoint. The user id
// comes from the ?user query parameter, standing in for the validated
// session of the auth middleware.
func startGateway(t *testing.T, presence *recordingPresence) (*ws.Hub, string) {
	t.Helper()
	hub := ws.NewHub(openRoster{}, nil, presence, 100)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := ws.NewClient(hub, conn, r.URL.Query().Get("user"))
		cctx, ccancel := context.WithCancel(context.Background())
		client.Start(cctx, ccancel)
		hub.Register(client)
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, wsURL, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev ws.IncomingEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

type frame struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestGateway_EndToEndDelivery(t *testing.T) {
	presence := &recordingPresence{}
	hub, wsURL := startGateway(t, presence)

	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")

	require.Eventually(t, func() bool {
		return hub.UserConnected("alice") && hub.UserConnected("bob")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return presence.has("online:alice") && presence.has("online:bob")
	}, 2*time.Second, 10*time.Millisecond)

	// Confirm each join by reading back the sender's own broadcast echo
	// before the other side acts; per-connection ordering makes this
	// deterministic without sleeps.
	send(t, bob, ws.IncomingEvent{Type: ws.EventJoinChat, ChatID: "c1"})
	probe := &model.Message{ID: "probe-bob", ChatID: "c1", SenderID: "bob"}
	send(t, bob, ws.IncomingEvent{Type: ws.EventSendMessage, ChatID: "c1", Message: probe})
	f := readFrame(t, bob)
	require.Equal(t, ws.EventNewMessage, f.Type)

	send(t, alice, ws.IncomingEvent{Type: ws.EventJoinChat, ChatID: "c1"})
	probe = &model.Message{ID: "probe-alice", ChatID: "c1", SenderID: "alice"}
	send(t, alice, ws.IncomingEvent{Type: ws.EventSendMessage, ChatID: "c1", Message: probe})
	f = readFrame(t, alice)
	require.Equal(t, ws.EventNewMessage, f.Type)
	// Bob, already in the room, sees alice's probe too.
	f = readFrame(t, bob)
	require.Equal(t, ws.EventNewMessage, f.Type)

	msg := &model.Message{ID: "m1", ChatID: "c1", SenderID: "bob", Content: "hello"}
	send(t, bob, ws.IncomingEvent{Type: ws.EventSendMessage, ChatID: "c1", Message: msg})

	// Both ends receive the broadcast over their real sockets.
	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		f := readFrame(t, conn)
		require.Equal(t, ws.EventNewMessage, f.Type, "reader %s", name)
		var p ws.NewMessagePayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		assert.Equal(t, "m1", p.Message.ID)
		assert.Equal(t, "hello", p.Message.Content)
	}
}

func TestGateway_DisconnectMarksOffline(t *testing.T) {
	presence := &recordingPresence{}
	hub, wsURL := startGateway(t, presence)

	alice := dial(t, wsURL, "alice")
	bob := dial(t, wsURL, "bob")
	require.Eventually(t, func() bool {
		return hub.UserConnected("alice") && hub.UserConnected("bob")
	}, 2*time.Second, 10*time.Millisecond)

	alice.Close()

	require.Eventually(t, func() bool {
		return !hub.UserConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return presence.has("offline:alice")
	}, 2*time.Second, 10*time.Millisecond)

	// The remaining socket hears the offline transition.
	f := readFrame(t, bob)
	require.Equal(t, ws.EventUserStatus, f.Type)
	var p ws.UserStatusPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "alice", p.UserID)
	assert.Equal(t, "offline", p.Status)
}

func TestGateway_MultiTabSurvivesSingleClose(t *testing.T) {
	presence := &recordingPresence{}
	hub, wsURL := startGateway(t, presence)

	tab1 := dial(t, wsURL, "alice")
	_ = dial(t, wsURL, "alice") // second tab stays open

	require.Eventually(t, func() bool {
		return hub.UserConnected("alice")
	}, 2*time.Second, 10*time.Millisecond)

	tab1.Close()

	// One tab closing must not flip the user offline.
	assert.Never(t, func() bool {
		return presence.has("offline:alice")
	}, 300*time.Millisecond, 50*time.Millisecond)
	assert.True(t, hub.UserConnected("alice"))
}
