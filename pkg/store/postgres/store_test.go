package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/jarvis/pkg/store"
	"github.com/MrWong99/jarvis/pkg/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if JARVIS_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("JARVIS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JARVIS_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore drops the schema and returns a freshly migrated store.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS appointments",
		"DROP TABLE IF EXISTS messages",
		"DROP TABLE IF EXISTS goose_db_version",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	s, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_Messages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 4 {
		err := s.SaveMessage(ctx, store.Message{
			SessionID: "s1",
			Role:      "user",
			Content:   fmt.Sprint("turn ", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	all, err := s.Messages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len = %d; want 4", len(all))
	}
	if all[0].Content != "turn 0" || all[0].MessageType != "voice" {
		t.Errorf("first = %+v", all[0])
	}

	last, _ := s.Messages(ctx, "s1", 2)
	if len(last) != 2 || last[0].Content != "turn 2" || last[1].Content != "turn 3" {
		t.Errorf("Messages(2) = %+v; want turns 2, 3", last)
	}
}

func TestStore_DuplicateMessageID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := store.Message{SessionID: "s1", Role: "user", Content: "hi", MessageID: "fixed"}
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _ := s.Messages(ctx, "s1", 0)
	if len(got) != 1 {
		t.Errorf("len = %d; want 1", len(got))
	}
}

func TestStore_Appointments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

	err := s.SaveAppointment(ctx, store.Appointment{
		SessionID:     "s1",
		UserEmail:     "ada@example.com",
		UserName:      "Ada",
		StartTime:     start,
		EndTime:       start.Add(30 * time.Minute),
		MeetingType:   "online",
		GoogleEventID: "evt1",
	})
	if err != nil {
		t.Fatalf("SaveAppointment: %v", err)
	}

	apps, err := s.ListAppointments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListAppointments: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("len = %d; want 1", len(apps))
	}
	if apps[0].Status != store.StatusConfirmed {
		t.Errorf("status = %q; want %q", apps[0].Status, store.StatusConfirmed)
	}
	if !apps[0].StartTime.Equal(start) {
		t.Errorf("start = %v; want %v", apps[0].StartTime, start)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	_ = newTestStore(t)
	dsn := testDSN(t)
	s, err := postgres.NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("second NewStore: %v", err)
	}
	s.Close()
}
