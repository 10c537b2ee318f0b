package storage

import (
	"time"

	"github.com/google/uuid"
)

// User is one stable identity, keyed by the platform license string. Users
// are never deleted by the session core; Deleted is a soft-delete stamp set
// by other add-ons.
type User struct {
	ID      uuid.UUID
	License string
	SteamID int64 // 0 when the platform id is unknown
	Name    string
	Created time.Time
	Deleted *time.Time
}

// Session is one connection attempt's lifecycle record. Connected stays nil
// until the client acknowledges initialization; Disconnected and
// DisconnectReason stay empty while the session is live.
type Session struct {
	ID   uuid.UUID
	User User

	IPAddress string
	// Handle is the ephemeral transport identifier for the connection that
	// opened this session. Not persisted.
	Handle int64

	Created          time.Time
	Connected        *time.Time
	Disconnected     *time.Time
	DisconnectReason string
}

// IsLive reports whether the session has not been disconnected yet.
func (s Session) IsLive() bool {
	return s.Disconnected == nil
}

// BootRecord tracks one server process lifetime; LastActive is refreshed
// while the process runs and becomes the orphan reconciliation cutoff after
// an unclean exit.
type BootRecord struct {
	ID         int64
	Created    time.Time
	LastActive time.Time
}
