// internal/protocol/events.go
package protocol

// Version is the server build string. Clients announce theirs in the
// connect hello and again at initialize; mismatches are refused before any
// session exists. Overridable at link time.
var Version = "0.1.0"

// =======================
// Consumed from transport
// =======================
const (
	EventConnecting        = "session:connecting"
	EventDropped           = "session:dropped"
	EventDisconnectRequest = "session:disconnect"
	EventInitializeRequest = "client:initialize"
	EventInitializedNotice = "client:initialized"
	EventHostClaim         = "host:claim"
	EventHostConfirmed     = "host:confirmed"
)

// =======================
// Notifications (fire and forget)
// =======================
const (
	EventUserCreating        = "session:user-creating"
	EventUserCreated         = "session:user-created"
	EventSessionCreating     = "session:session-creating"
	EventSessionCreated      = "session:session-created"
	EventClientConnecting    = "session:client-connecting"
	EventClientConnected     = "session:client-connected"
	EventClientReconnecting  = "session:client-reconnecting"
	EventClientReconnected   = "session:client-reconnected"
	EventClientDisconnecting = "session:client-disconnecting"
	EventClientDisconnected  = "session:client-disconnected"
	EventSessionTimedOut     = "session:timed-out"
	EventClientInitializing  = "session:client-initializing"
	EventClientInitialized   = "session:client-initialized"
	EventHostingSession      = "session:hosting"
	EventHostedSession       = "session:hosted"
)

// =======================
// Query endpoints
// =======================
const (
	QueryMaxClients      = "session:get-max-clients"
	QuerySessionCount    = "session:get-current-session-count"
	QueryCurrentSessions = "session:get-current-sessions"
)

// Messages pushed back to a single client.
const (
	ClientEventDrop       = "drop"
	ClientEventHostResult = "host-result"
)

// Disconnect reasons written to session records.
const (
	ReasonTimedOut        = "session timed out"
	ReasonVersionMismatch = "please reconnect to get the latest client version"
	ReasonKilledByRestart = "session killed, disconnect time set to last server active time"
)

// Host election verdicts delivered to the claimant.
const (
	HostResultGo       = "go"
	HostResultWait     = "wait"
	HostResultFree     = "free"
	HostResultConflict = "conflict"
)
