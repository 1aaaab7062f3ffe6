package ledger_test

import (
	"context"
	"testing"
	"time"

	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/ledger"
	"vigil/internal/migrate"
)

func newTestLedger(t *testing.T) (ledger.Ledger, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	return ledger.Ledger{DB: conn, Now: func() time.Time { return *clock }}, clock
}

func TestEmptyLedgerHasNoLastActivity(t *testing.T) {
	l, _ := newTestLedger(t)
	_, ok, err := l.LastActivity(context.Background())
	if err != nil {
		t.Fatalf("last activity: %v", err)
	}
	if ok {
		t.Fatal("empty ledger reported activity")
	}
}

func TestLastActivityIsMaxTimestamp(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, domain.ActivityHeartbeat, "cron", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	*clock = clock.Add(3 * 24 * time.Hour)
	if _, err := l.Record(ctx, domain.ActivityManualCheckin, "cli", "back from trip"); err != nil {
		t.Fatalf("record: %v", err)
	}
	want := *clock
	*clock = clock.Add(24 * time.Hour)

	last, ok, err := l.LastActivity(ctx)
	if err != nil || !ok {
		t.Fatalf("last activity: ok=%v err=%v", ok, err)
	}
	if !last.Equal(want) {
		t.Fatalf("last activity = %v, want %v", last, want)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	kinds := []string{domain.ActivityFirstRun, domain.ActivityHeartbeat, domain.ActivityManualCheckin}
	for _, k := range kinds {
		if _, err := l.Record(ctx, k, "test", ""); err != nil {
			t.Fatalf("record %s: %v", k, err)
		}
		*clock = clock.Add(time.Hour)
	}

	events, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != domain.ActivityManualCheckin || events[1].Kind != domain.ActivityHeartbeat {
		t.Fatalf("wrong order: %+v", events)
	}
}
