package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestUpsertGuildConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get empty guild config: %v", err)
	}
	if got.WelcomeChannelID != "" {
		t.Fatalf("expected no welcome channel, got %q", got.WelcomeChannelID)
	}

	if err := store.UpsertGuildConfig(ctx, GuildConfig{GuildID: "g1", WelcomeChannelID: "c1"}); err != nil {
		t.Fatalf("upsert guild config: %v", err)
	}
	if err := store.UpsertGuildConfig(ctx, GuildConfig{GuildID: "g1", WelcomeChannelID: "c2"}); err != nil {
		t.Fatalf("update guild config: %v", err)
	}

	got, err = store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get guild config: %v", err)
	}
	if got.WelcomeChannelID != "c2" {
		t.Fatalf("expected channel c2, got %q", got.WelcomeChannelID)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := newTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestAuditLogsRoundTripAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := AuditLog{GuildID: "g1", Level: "INFO", Event: "invite_attributed", CreatedAt: now.AddDate(0, 0, -40)}
	recent := AuditLog{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "invite_ambiguous", Details: "codes=a,b", CreatedAt: now}
	for _, entry := range []AuditLog{old, recent} {
		if err := store.AddAuditLog(ctx, entry); err != nil {
			t.Fatalf("add audit log: %v", err)
		}
	}

	logs, err := store.ListAuditLogs(ctx, "g1", now.AddDate(0, 0, -60))
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].Event != "invite_ambiguous" {
		t.Fatalf("expected newest first, got %q", logs[0].Event)
	}

	if err := store.CleanupAuditLogs(ctx, 30); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	logs, err = store.ListAuditLogs(ctx, "g1", now.AddDate(0, 0, -60))
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log after cleanup, got %d", len(logs))
	}
}

func TestRebindPostgres(t *testing.T) {
	store := &Store{driver: DriverPostgres}
	got := store.rebind(`SELECT a FROM t WHERE b = ? AND c = ?`)
	want := `SELECT a FROM t WHERE b = $1 AND c = $2`
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	sqlite := &Store{driver: DriverSQLite}
	if sqlite.rebind("x = ?") != "x = ?" {
		t.Fatalf("sqlite query must be unchanged")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
