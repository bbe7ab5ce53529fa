package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
)

func dialFeed(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// feedMessage is WSMessage with the payload left raw for decoding.
type feedMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func readFeed(t *testing.T, conn *websocket.Conn) feedMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg feedMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading feed: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want string) feedMessage {
	t.Helper()
	for range 10 {
		if msg := readFeed(t, conn); msg.Type == want {
			return msg
		}
	}
	t.Fatalf("no %q message received", want)
	return feedMessage{}
}

func TestWebSocket_InitialSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	env.announce("can0", 10)
	waitHubIdle(t, env.srv.hub)

	conn := dialFeed(t, env)
	msg := readUntil(t, conn, WSTypeDevices)
	var lists map[device.Domain][]device.Listing
	if err := json.Unmarshal(msg.Payload, &lists); err != nil {
		t.Fatal(err)
	}
	if len(lists["can0"]) != 1 || lists["can0"][0].Identity != device.Normal(10) {
		t.Errorf("snapshot = %+v", lists)
	}
}

func TestWebSocket_PushesEventsAndSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialFeed(t, env)
	readUntil(t, conn, WSTypeDevices)

	waitClients(t, env.srv.hub, 1)
	env.announce("can1", 55)

	ev := readUntil(t, conn, WSTypeEvent)
	var got device.Event
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != device.EventDiscovered || got.Domain != "can1" || got.Identity != device.Normal(55) {
		t.Errorf("event = %+v", got)
	}

	snap := readUntil(t, conn, WSTypeDevices)
	var lists map[device.Domain][]device.Listing
	if err := json.Unmarshal(snap.Payload, &lists); err != nil {
		t.Fatal(err)
	}
	if len(lists["can1"]) != 1 {
		t.Errorf("snapshot after event = %+v", lists)
	}
}

func TestWebSocket_PingPong(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialFeed(t, env)
	readUntil(t, conn, WSTypeDevices)

	if err := conn.WriteJSON(map[string]string{"type": "ping", "id": "p1"}); err != nil {
		t.Fatal(err)
	}
	msg := readUntil(t, conn, WSTypePong)
	if msg.ID != "p1" {
		t.Errorf("pong id = %q, want p1", msg.ID)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "id": "s1"}); err != nil {
		t.Fatal(err)
	}
	if msg := readUntil(t, conn, WSTypeError); msg.ID != "s1" {
		t.Errorf("error id = %q, want s1", msg.ID)
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, testLogger())
	for range wsEventBufferSize + 5 {
		hub.RecordEvent(device.Event{Kind: device.EventEvicted})
	}
	if got := hub.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitHubIdle(t *testing.T, hub *Hub) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for len(hub.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub did not drain events")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
