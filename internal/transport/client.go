package transport

import "sync"

// Client identifies one remote connection attempt. Handle is ephemeral and
// changes on every reconnect; License is the stable identity string.
type Client struct {
	Handle   int64
	Name     string
	License  string
	SteamID  int64 // 0 when the client announced no platform id
	EndPoint string
	Version  string
}

// Deferral lets a connecting handler admit or reject a client after doing
// work of its own. Resolving twice is a no-op; the first outcome wins.
type Deferral struct {
	once sync.Once
	ch   chan string
}

func NewDeferral() *Deferral {
	return &Deferral{ch: make(chan string, 1)}
}

// Done admits the client.
func (d *Deferral) Done() {
	d.once.Do(func() { d.ch <- "" })
}

// Reject refuses the client with a reason delivered before the socket
// closes.
func (d *Deferral) Reject(reason string) {
	if reason == "" {
		reason = "connection rejected"
	}
	d.once.Do(func() { d.ch <- reason })
}

// Result blocks until the deferral is resolved and returns the rejection
// reason, empty when admitted.
func (d *Deferral) Result() string {
	return <-d.ch
}
