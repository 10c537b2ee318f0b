package transport

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"session-server/internal/comms"
	"session-server/internal/protocol"
)

type harness struct {
	bus *comms.Bus
	srv *Server

	mu       sync.Mutex
	admitted []Client
	dropped  []Client
	reasons  []string
}

func newHarness(t *testing.T) (*harness, string) {
	t.Helper()

	h := &harness{bus: comms.New(nil)}
	h.srv = NewServer(h.bus, nil)

	h.bus.On(protocol.EventConnecting, func(m comms.Message) {
		client, _ := m.Arg(0).(Client)
		d, _ := m.Arg(1).(*Deferral)
		h.mu.Lock()
		h.admitted = append(h.admitted, client)
		h.mu.Unlock()
		d.Done()
	})
	h.bus.On(protocol.EventDropped, func(m comms.Message) {
		client, _ := m.Arg(0).(Client)
		reason, _ := m.Arg(1).(string)
		h.mu.Lock()
		h.dropped = append(h.dropped, client)
		h.reasons = append(h.reasons, reason)
		h.mu.Unlock()
	})

	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)
	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()

	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	if err := ws.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func sayHello(t *testing.T, ws *websocket.Conn) {
	t.Helper()

	sendEnvelope(t, ws, frameHello, Hello{
		License: "lic-1",
		SteamID: 7001,
		Name:    "player-one",
		Version: protocol.Version,
	})
}

func (h *harness) admittedClient(t *testing.T) Client {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.admitted) > 0 {
			c := h.admitted[len(h.admitted)-1]
			h.mu.Unlock()
			return c
		}
		h.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no client admitted")
	return Client{}
}

func TestHelloAdmitsClient(t *testing.T) {
	h, url := newHarness(t)
	ws := dial(t, url)
	sayHello(t, ws)

	client := h.admittedClient(t)
	if client.License != "lic-1" || client.Name != "player-one" {
		t.Errorf("admitted client = %+v", client)
	}
	if client.Version != protocol.Version {
		t.Errorf("client version = %q, want %q", client.Version, protocol.Version)
	}
	if client.Handle == 0 {
		t.Error("client handle not assigned")
	}

	if _, ok := h.srv.SinceLastSeen(client.Handle); !ok {
		t.Error("SinceLastSeen() does not track the admitted handle")
	}
}

func TestHeartbeatAcknowledged(t *testing.T) {
	_, url := newHarness(t)
	ws := dial(t, url)
	sayHello(t, ws)

	sendEnvelope(t, ws, frameHeartbeat, nil)
	env := readEnvelope(t, ws)
	if env.Event != frameHeartbeatAck {
		t.Errorf("reply event = %q, want %q", env.Event, frameHeartbeatAck)
	}
}

func TestInitializeRequestRoundTrip(t *testing.T) {
	h, url := newHarness(t)
	h.bus.OnRequest(protocol.EventInitializeRequest, func(m comms.Message) (any, error) {
		version, _ := m.Arg(1).(string)
		return map[string]string{"echo": version}, nil
	})

	ws := dial(t, url)
	sayHello(t, ws)

	sendEnvelope(t, ws, protocol.EventInitializeRequest, InitializeData{Version: protocol.Version})
	env := readEnvelope(t, ws)
	if env.Event != protocol.EventInitializeRequest {
		t.Fatalf("reply event = %q", env.Event)
	}
	var reply map[string]string
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply["echo"] != protocol.Version {
		t.Errorf("reply = %v", reply)
	}
}

func TestDropDeliversReasonOnce(t *testing.T) {
	h, url := newHarness(t)
	ws := dial(t, url)
	sayHello(t, ws)

	client := h.admittedClient(t)
	h.srv.Drop(client.Handle, "kicked")

	env := readEnvelope(t, ws)
	if env.Event != protocol.ClientEventDrop {
		t.Fatalf("reply event = %q, want %q", env.Event, protocol.ClientEventDrop)
	}
	var data DropData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode drop data: %v", err)
	}
	if data.Reason != "kicked" {
		t.Errorf("drop reason = %q, want %q", data.Reason, "kicked")
	}

	// The socket close that follows must not emit a second dropped event.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.dropped)
		h.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.dropped) != 1 || h.reasons[0] != "kicked" {
		t.Errorf("dropped events = %d (%v), want 1 with reason kicked", len(h.dropped), h.reasons)
	}
}

func TestClientCloseEmitsDropped(t *testing.T) {
	h, url := newHarness(t)
	ws := dial(t, url)
	sayHello(t, ws)

	h.admittedClient(t)
	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.dropped)
		h.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no dropped event after client close")
}

func TestRejectedClientGetsDropFrame(t *testing.T) {
	bus := comms.New(nil)
	srv := NewServer(bus, nil)
	bus.On(protocol.EventConnecting, func(m comms.Message) {
		d, _ := m.Arg(1).(*Deferral)
		d.Reject("server full")
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	sayHello(t, ws)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read drop frame: %v", err)
	}
	if env.Event != protocol.ClientEventDrop {
		t.Fatalf("event = %q, want %q", env.Event, protocol.ClientEventDrop)
	}
	var data DropData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode drop data: %v", err)
	}
	if data.Reason != "server full" {
		t.Errorf("reason = %q, want %q", data.Reason, "server full")
	}
}
