package auth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"decyra/internal/config"
	"decyra/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertTestUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO users (id, name, email, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, "Test User", id+"@example.com", "x", time.Now().UTC(),
	)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	db := newTestDB(t)
	insertTestUser(t, db, "user-1")
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	userID, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %s", userID)
	}
}

func TestValidateTokenRejectsUnknown(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db, time.Hour)

	if _, err := svc.ValidateToken(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown token")
	}
	if _, err := svc.ValidateToken(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestValidateTokenExpiry(t *testing.T) {
	db := newTestDB(t)
	insertTestUser(t, db, "user-2")
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	_, err := db.Exec(
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"expired-token", "user-2", past.Add(-time.Hour), past,
	)
	if err != nil {
		t.Fatalf("insert expired token: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, "expired-token"); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	// expired tokens are removed on rejection
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens WHERE token = ?`, "expired-token").Scan(&count); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if count != 0 {
		t.Fatal("expected expired token to be deleted")
	}
}

func TestRevokeToken(t *testing.T) {
	db := newTestDB(t)
	insertTestUser(t, db, "user-3")
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, "user-3")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if err := svc.RevokeToken(ctx, token); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestRevokeUserTokens(t *testing.T) {
	db := newTestDB(t)
	insertTestUser(t, db, "user-4")
	svc := NewService(db, time.Hour)
	ctx := context.Background()

	first, err := svc.IssueToken(ctx, "user-4")
	if err != nil {
		t.Fatalf("issue first token: %v", err)
	}
	second, err := svc.IssueToken(ctx, "user-4")
	if err != nil {
		t.Fatalf("issue second token: %v", err)
	}
	if err := svc.RevokeUserTokens(ctx, "user-4"); err != nil {
		t.Fatalf("revoke user tokens: %v", err)
	}
	for _, token := range []string{first, second} {
		if _, err := svc.ValidateToken(ctx, token); err == nil {
			t.Fatal("expected token to be rejected after user-wide revoke")
		}
	}
}
