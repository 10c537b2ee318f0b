package transport

import "encoding/json"

// Envelope is the websocket wire frame: a named event with an optional JSON
// payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hello is the first frame a client must send after the socket opens.
type Hello struct {
	License string `json:"license"`
	SteamID int64  `json:"steam_id,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DisconnectData carries the reason on a client-requested disconnect.
type DisconnectData struct {
	Reason string `json:"reason"`
}

// InitializeData carries the client build string on initialize.
type InitializeData struct {
	Version string `json:"version"`
}

// DropData carries the reason delivered to a client before it is dropped.
type DropData struct {
	Reason string `json:"reason"`
}

const (
	frameHello        = "hello"
	frameHeartbeat    = "heartbeat"
	frameHeartbeatAck = "heartbeat-ack"
)
