package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createUserAndSession(t *testing.T, db *DB, license string) Session {
	t.Helper()
	ctx := context.Background()

	var sess Session
	err := db.WithTx(ctx, func(tx *Tx) error {
		user, err := tx.CreateUser(ctx, license, 123, "Alice")
		if err != nil {
			return err
		}
		sess, err = tx.CreateSession(ctx, user, "203.0.113.7", 1)
		return err
	})
	if err != nil {
		t.Fatalf("create user and session: %v", err)
	}
	return sess
}

func TestCreateUserAndSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess := createUserAndSession(t, db, "license-1")

	got, err := db.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.User.License != "license-1" {
		t.Errorf("License = %q, want %q", got.User.License, "license-1")
	}
	if got.User.SteamID != 123 {
		t.Errorf("SteamID = %d, want 123", got.User.SteamID)
	}
	if got.IPAddress != "203.0.113.7" {
		t.Errorf("IPAddress = %q, want %q", got.IPAddress, "203.0.113.7")
	}
	if !got.IsLive() {
		t.Error("new session should be live")
	}
	if got.Connected != nil {
		t.Errorf("Connected = %v, want nil", got.Connected)
	}
}

func TestFindUserByLicense(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess := createUserAndSession(t, db, "license-1")

	err := db.WithTx(ctx, func(tx *Tx) error {
		u, err := tx.FindUserByLicense(ctx, "license-1")
		if err != nil {
			return err
		}
		if u == nil {
			t.Fatal("FindUserByLicense returned nil for existing user")
		}
		if u.ID != sess.User.ID {
			t.Errorf("ID = %s, want %s", u.ID, sess.User.ID)
		}

		missing, err := tx.FindUserByLicense(ctx, "no-such-license")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("FindUserByLicense for unknown license = %+v, want nil", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestUpdateUserDetails(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess := createUserAndSession(t, db, "license-1")

	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateUserDetails(ctx, sess.User.ID, "Alice Renamed", 0)
	})
	if err != nil {
		t.Fatalf("UpdateUserDetails: %v", err)
	}

	got, err := db.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.User.Name != "Alice Renamed" {
		t.Errorf("Name = %q, want %q", got.User.Name, "Alice Renamed")
	}
	// A zero platform id must not overwrite the stored one.
	if got.User.SteamID != 123 {
		t.Errorf("SteamID = %d, want 123", got.User.SteamID)
	}
}

func TestCreateUserValidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.CreateUser(ctx, "", 0, "")
		return err
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("CreateUser error = %v, want ValidationError", err)
	}
	if _, ok := verr.Fields["license"]; !ok {
		t.Error("ValidationError missing license field")
	}
	if _, ok := verr.Fields["name"]; !ok {
		t.Error("ValidationError missing name field")
	}
}

func TestWithTxRollback(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		user, err := tx.CreateUser(ctx, "license-rollback", 0, "Bob")
		if err != nil {
			return err
		}
		if _, err := tx.CreateSession(ctx, user, "203.0.113.9", 2); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v, want %v", err, boom)
	}

	// Partial failure must roll back both writes.
	err = db.WithTx(ctx, func(tx *Tx) error {
		u, err := tx.FindUserByLicense(ctx, "license-rollback")
		if err != nil {
			return err
		}
		if u != nil {
			t.Errorf("user survived rollback: %+v", u)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestMarkConnectedAndDisconnected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess := createUserAndSession(t, db, "license-1")
	connectedAt := time.Now().UTC().Truncate(time.Millisecond)
	disconnectedAt := connectedAt.Add(time.Minute)

	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkConnected(ctx, sess.ID, connectedAt)
	})
	if err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	err = db.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkDisconnected(ctx, sess.ID, disconnectedAt, "left")
	})
	if err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	got, err := db.SessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.Connected == nil || !got.Connected.Equal(connectedAt) {
		t.Errorf("Connected = %v, want %v", got.Connected, connectedAt)
	}
	if got.Disconnected == nil || !got.Disconnected.Equal(disconnectedAt) {
		t.Errorf("Disconnected = %v, want %v", got.Disconnected, disconnectedAt)
	}
	if got.DisconnectReason != "left" {
		t.Errorf("DisconnectReason = %q, want %q", got.DisconnectReason, "left")
	}
}

func TestMarkConnectedUnknownSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	sess := createUserAndSession(t, db, "license-1")

	unknown := sess.ID
	unknown[0] ^= 0xff
	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkConnected(ctx, unknown, time.Now())
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkConnected unknown id error = %v, want ErrNotFound", err)
	}
}

func TestReconcileOrphans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s1 := createUserAndSession(t, db, "license-1")
	s2 := createUserAndSession(t, db, "license-2")
	s3 := createUserAndSession(t, db, "license-3")

	// s3 disconnected cleanly before the crash; it must not be touched.
	cleanExit := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	err := db.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkDisconnected(ctx, s3.ID, cleanExit, "left")
	})
	if err != nil {
		t.Fatalf("MarkDisconnected: %v", err)
	}

	cutoff := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Millisecond)
	affected, err := db.ReconcileOrphans(ctx, cutoff, "killed by restart")
	if err != nil {
		t.Fatalf("ReconcileOrphans: %v", err)
	}
	if affected != 2 {
		t.Errorf("affected = %d, want 2", affected)
	}

	for _, id := range []struct{ s Session }{{s1}, {s2}} {
		got, err := db.SessionByID(ctx, id.s.ID)
		if err != nil {
			t.Fatalf("SessionByID: %v", err)
		}
		if got.Disconnected == nil || !got.Disconnected.Equal(cutoff) {
			t.Errorf("session %s Disconnected = %v, want %v", id.s.ID, got.Disconnected, cutoff)
		}
		if got.DisconnectReason != "killed by restart" {
			t.Errorf("session %s DisconnectReason = %q", id.s.ID, got.DisconnectReason)
		}
	}

	got3, err := db.SessionByID(ctx, s3.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if !got3.Disconnected.Equal(cleanExit) || got3.DisconnectReason != "left" {
		t.Errorf("clean session was reconciled: %v %q", got3.Disconnected, got3.DisconnectReason)
	}
}

func TestBootHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.LastActive(ctx); err != nil || ok {
		t.Fatalf("LastActive on empty db = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	boot := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
	id, err := db.RecordBoot(ctx, boot)
	if err != nil {
		t.Fatalf("RecordBoot: %v", err)
	}

	later := boot.Add(30 * time.Minute)
	if err := db.TouchBoot(ctx, id, later); err != nil {
		t.Fatalf("TouchBoot: %v", err)
	}

	got, ok, err := db.LastActive(ctx)
	if err != nil {
		t.Fatalf("LastActive: %v", err)
	}
	if !ok {
		t.Fatal("LastActive ok = false, want true")
	}
	if !got.Equal(later) {
		t.Errorf("LastActive = %v, want %v", got, later)
	}
}

func TestSessionsByUserOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := createUserAndSession(t, db, "license-1")

	var second Session
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		second, err = tx.CreateSession(ctx, first.User, "203.0.113.8", 2)
		return err
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sessions, err := db.SessionsByUser(ctx, first.User.ID)
	if err != nil {
		t.Fatalf("SessionsByUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions[0].Created.After(sessions[1].Created) {
		t.Errorf("sessions not ordered by creation: %v then %v", sessions[0].Created, sessions[1].Created)
	}
	_ = second
}
