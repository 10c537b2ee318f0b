package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `
	s.id, s.ip_address, s.created, s.connected, s.disconnected, s.disconnect_reason,
	u.id, u.license, u.steam_id, u.name, u.created, u.deleted`

func scanSession(scan func(dest ...any) error) (Session, error) {
	var (
		s            Session
		sessionID    string
		created      int64
		connected    sql.NullInt64
		disconnected sql.NullInt64
		reason       sql.NullString
		userID       string
		userCreated  int64
		userDeleted  sql.NullInt64
	)
	err := scan(
		&sessionID, &s.IPAddress, &created, &connected, &disconnected, &reason,
		&userID, &s.User.License, &s.User.SteamID, &s.User.Name, &userCreated, &userDeleted,
	)
	if err != nil {
		return Session{}, err
	}

	id, err := uuid.Parse(sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("parse session id %q: %w", sessionID, err)
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return Session{}, fmt.Errorf("parse user id %q: %w", userID, err)
	}

	s.ID = id
	s.Created = fromMillis(created)
	s.Connected = fromMillisPtr(connected)
	s.Disconnected = fromMillisPtr(disconnected)
	s.DisconnectReason = reason.String
	s.User.ID = uid
	s.User.Created = fromMillis(userCreated)
	s.User.Deleted = fromMillisPtr(userDeleted)
	return s, nil
}

// SessionByID returns one persisted session with its owning user.
func (db *DB) SessionByID(ctx context.Context, id uuid.UUID) (Session, error) {
	row := db.sqlDB.QueryRowContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = ?`, id.String())

	s, err := scanSession(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return Session{}, fmt.Errorf("session by id: %w", err)
	}
	return s, nil
}

// SessionsByUser returns every persisted session for the user, oldest first.
func (db *DB) SessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := db.sqlDB.QueryContext(ctx, `
		SELECT`+sessionColumns+`
		FROM sessions s
		JOIN users u ON u.id = s.user_id
		WHERE s.user_id = ?
		ORDER BY s.created ASC, s.id ASC`, userID.String())
	if err != nil {
		return nil, fmt.Errorf("sessions by user: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("sessions by user: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions by user: %w", err)
	}
	return sessions, nil
}

// ReconcileOrphans marks every session without a disconnect timestamp as
// disconnected at cutoff with the given reason. Run once at server start so
// sessions left dangling by a prior process exit are closed out. Returns the
// number of sessions reconciled.
func (db *DB) ReconcileOrphans(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	var affected int64
	err := db.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sessions SET disconnected = ?, disconnect_reason = ?
			WHERE disconnected IS NULL`,
			toMillis(cutoff), reason)
		if err != nil {
			return fmt.Errorf("reconcile orphans: %w", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reconcile orphans: %w", err)
		}
		return nil
	})
	return affected, err
}
