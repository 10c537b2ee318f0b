// Package presence mirrors live sessions into redis so sibling services can
// see who is online without querying this process. The mirror is advisory:
// writes that fail are logged by the caller and never block the lifecycle.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"session-server/internal/storage"
)

// Entry is the JSON value stored per live session.
type Entry struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	License   string    `json:"license"`
	Name      string    `json:"name"`
	IPAddress string    `json:"ip_address"`
	Created   time.Time `json:"created"`
}

// Registry is the redis-backed live-session mirror.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to redis and verifies the connection with a ping. Entries
// expire after ttl so a crashed server's mirror heals itself.
func New(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &Registry{client: client, ttl: ttl}, nil
}

func sessionKey(id uuid.UUID) string {
	return "session:live:" + id.String()
}

// SetLive records or refreshes the session's mirror entry.
func (r *Registry) SetLive(ctx context.Context, s storage.Session) error {
	entry := Entry{
		SessionID: s.ID.String(),
		UserID:    s.User.ID.String(),
		License:   s.User.License,
		Name:      s.User.Name,
		IPAddress: s.IPAddress,
		Created:   s.Created,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	return r.client.Set(ctx, sessionKey(s.ID), raw, r.ttl).Err()
}

// ClearLive removes the session's mirror entry. Clearing an absent entry is
// not an error.
func (r *Registry) ClearLive(ctx context.Context, id uuid.UUID) error {
	return r.client.Del(ctx, sessionKey(id)).Err()
}

// Live lists the mirrored sessions. Entries that vanish or fail to decode
// mid-scan are skipped.
func (r *Registry) Live(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	iter := r.client.Scan(ctx, 0, "session:live:*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Registry) Close() error {
	return r.client.Close()
}
