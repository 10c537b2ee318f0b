package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tx is one scoped unit of work handed to WithTx callbacks.
type Tx struct {
	tx *sql.Tx
}

// FindUserByLicense returns the user for the given identity string, or nil
// when no such user exists. Soft-deleted users are not returned.
func (t *Tx) FindUserByLicense(ctx context.Context, license string) (*User, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, license, steam_id, name, created, deleted
		FROM users
		WHERE license = ? AND deleted IS NULL`, license)

	var (
		u       User
		id      string
		created int64
		deleted sql.NullInt64
	)
	if err := row.Scan(&id, &u.License, &u.SteamID, &u.Name, &created, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find user by license: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse user id %q: %w", id, err)
	}
	u.ID = parsed
	u.Created = fromMillis(created)
	u.Deleted = fromMillisPtr(deleted)
	return &u, nil
}

// CreateUser inserts a new user for a previously unseen identity string.
// IDs are time-based UUIDs so creation order survives in the id itself.
func (t *Tx) CreateUser(ctx context.Context, license string, steamID int64, name string) (User, error) {
	fields := make(map[string]string)
	if license == "" {
		fields["license"] = "required"
	}
	if name == "" {
		fields["name"] = "required"
	}
	if len(fields) > 0 {
		return User{}, &ValidationError{Fields: fields}
	}

	id, err := uuid.NewUUID()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	u := User{
		ID:      id,
		License: license,
		SteamID: steamID,
		Name:    name,
		Created: time.Now().UTC(),
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, license, steam_id, name, created)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID.String(), u.License, u.SteamID, u.Name, toMillis(u.Created),
	); err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UpdateUserDetails refreshes the mutable user fields on a returning
// connection. The platform id is only written when the client announced one.
func (t *Tx) UpdateUserDetails(ctx context.Context, id uuid.UUID, name string, steamID int64) error {
	if name == "" {
		return &ValidationError{Fields: map[string]string{"name": "required"}}
	}

	var res sql.Result
	var err error
	if steamID != 0 {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE users SET name = ?, steam_id = ? WHERE id = ?`,
			name, steamID, id.String())
	} else {
		res, err = t.tx.ExecContext(ctx,
			`UPDATE users SET name = ? WHERE id = ?`,
			name, id.String())
	}
	if err != nil {
		return fmt.Errorf("update user details: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user details: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update user %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSession inserts a new session row owned by user.
func (t *Tx) CreateSession(ctx context.Context, user User, ipAddress string, handle int64) (Session, error) {
	if ipAddress == "" {
		return Session{}, &ValidationError{Fields: map[string]string{"ip_address": "required"}}
	}

	id, err := uuid.NewUUID()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	s := Session{
		ID:        id,
		User:      user,
		IPAddress: ipAddress,
		Handle:    handle,
		Created:   time.Now().UTC(),
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, ip_address, created)
		VALUES (?, ?, ?, ?)`,
		s.ID.String(), user.ID.String(), s.IPAddress, toMillis(s.Created),
	); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// MarkConnected stamps the handshake-complete time on a session.
func (t *Tx) MarkConnected(ctx context.Context, id uuid.UUID, when time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET connected = ? WHERE id = ?`,
		toMillis(when), id.String())
	if err != nil {
		return fmt.Errorf("mark connected: %w", err)
	}
	return oneRow(res, id)
}

// MarkDisconnected stamps the disconnect time and reason on a session.
func (t *Tx) MarkDisconnected(ctx context.Context, id uuid.UUID, when time.Time, reason string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET disconnected = ?, disconnect_reason = ? WHERE id = ?`,
		toMillis(when), reason, id.String())
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	return oneRow(res, id)
}

func oneRow(res sql.Result, id uuid.UUID) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
