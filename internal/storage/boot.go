package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LastActive returns the most recent last-active timestamp across all boot
// records, or ok=false when the server has never booted before.
func (db *DB) LastActive(ctx context.Context) (time.Time, bool, error) {
	row := db.sqlDB.QueryRowContext(ctx,
		`SELECT last_active FROM boot_history ORDER BY last_active DESC LIMIT 1`)

	var lastActive int64
	if err := row.Scan(&lastActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last active: %w", err)
	}
	return fromMillis(lastActive), true, nil
}

// RecordBoot inserts a boot record for this process and returns its id.
func (db *DB) RecordBoot(ctx context.Context, when time.Time) (int64, error) {
	res, err := db.sqlDB.ExecContext(ctx,
		`INSERT INTO boot_history (created, last_active) VALUES (?, ?)`,
		toMillis(when), toMillis(when))
	if err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record boot: %w", err)
	}
	return id, nil
}

// TouchBoot refreshes the last-active timestamp of the current boot record.
func (db *DB) TouchBoot(ctx context.Context, id int64, when time.Time) error {
	res, err := db.sqlDB.ExecContext(ctx,
		`UPDATE boot_history SET last_active = ? WHERE id = ?`,
		toMillis(when), id)
	if err != nil {
		return fmt.Errorf("touch boot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch boot: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("boot record %d: %w", id, ErrNotFound)
	}
	return nil
}
