package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"session-server/internal/storage"
)

// Store is the in-memory session registry. Sessions are stored and returned
// by value so callers never alias live mutable state; mutations go through
// Upsert and are last-write-wins per key.
type Store struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]storage.Session
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[uuid.UUID]storage.Session),
	}
}

func (st *Store) Upsert(s storage.Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.sessions[s.ID] = s
}

func (st *Store) Get(id uuid.UUID) (storage.Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	return s, ok
}

func (st *Store) Remove(id uuid.UUID) (storage.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	return s, ok
}

// All returns a snapshot of every tracked session.
func (st *Store) All() []storage.Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	items := make([]storage.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		items = append(items, s)
	}
	return items
}

func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return len(st.sessions)
}

// FindByUser returns the user's tracked sessions ordered by creation time
// ascending.
func (st *Store) FindByUser(userID uuid.UUID) []storage.Session {
	st.mu.RLock()
	var items []storage.Session
	for _, s := range st.sessions {
		if s.User.ID == userID {
			items = append(items, s)
		}
	}
	st.mu.RUnlock()

	sortByCreated(items)
	return items
}

// FindByLicense returns the sessions whose owning user has the given
// identity string, ordered by creation time ascending.
func (st *Store) FindByLicense(license string) []storage.Session {
	st.mu.RLock()
	var items []storage.Session
	for _, s := range st.sessions {
		if s.User.License == license {
			items = append(items, s)
		}
	}
	st.mu.RUnlock()

	sortByCreated(items)
	return items
}

func sortByCreated(items []storage.Session) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Created.Equal(items[j].Created) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].Created.Before(items[j].Created)
	})
}
