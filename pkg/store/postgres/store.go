// Package postgres provides the PostgreSQL-backed [store.MessageStore] and
// [store.AppointmentStore].
//
// The schema is versioned with goose. [NewStore] applies any pending
// migrations from the embedded migrations directory before returning.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/jarvis/pkg/store"
)

var (
	_ store.MessageStore     = (*Store)(nil)
	_ store.AppointmentStore = (*Store)(nil)
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store holds a single [pgxpool.Pool]. All methods are safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings, and migrates the schema to the latest
// version.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate applies every pending migration.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Ping checks connectivity. It doubles as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveMessage implements [store.MessageStore]. A duplicate message id is
// ignored.
func (s *Store) SaveMessage(ctx context.Context, m store.Message) error {
	const q = `
		INSERT INTO messages (session_id, role, message_type, content, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`

	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	if m.MessageType == "" {
		m.MessageType = "voice"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, q, m.SessionID, m.Role, m.MessageType, m.Content, m.MessageID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save message: %w", err)
	}
	return nil
}

// Messages implements [store.MessageStore].
func (s *Store) Messages(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	// The newest rows are selected, then flipped back to chronological order.
	const q = `
		SELECT session_id, role, message_type, content, message_id, created_at
		FROM (
			SELECT * FROM messages
			WHERE  session_id = $1
			ORDER  BY created_at DESC, id DESC
			LIMIT  $2
		) recent
		ORDER BY created_at, id`

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Message, error) {
		var m store.Message
		err := row.Scan(&m.SessionID, &m.Role, &m.MessageType, &m.Content, &m.MessageID, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: messages: scan: %w", err)
	}
	return msgs, nil
}

// SaveAppointment implements [store.AppointmentStore].
func (s *Store) SaveAppointment(ctx context.Context, a store.Appointment) error {
	const q = `
		INSERT INTO appointments
		    (session_id, user_email, user_name, start_time, end_time, meeting_type, google_event_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if a.Status == "" {
		a.Status = store.StatusConfirmed
	}
	_, err := s.pool.Exec(ctx, q,
		a.SessionID,
		a.UserEmail,
		a.UserName,
		a.StartTime,
		a.EndTime,
		a.MeetingType,
		a.GoogleEventID,
		a.Status,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save appointment: %w", err)
	}
	return nil
}

// ListAppointments implements [store.AppointmentStore].
func (s *Store) ListAppointments(ctx context.Context, sessionID string) ([]store.Appointment, error) {
	const q = `
		SELECT session_id, user_email, user_name, start_time, end_time,
		       meeting_type, google_event_id, status, created_at
		FROM   appointments
		WHERE  session_id = $1
		ORDER  BY start_time`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list appointments: %w", err)
	}
	apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Appointment, error) {
		var a store.Appointment
		err := row.Scan(&a.SessionID, &a.UserEmail, &a.UserName, &a.StartTime, &a.EndTime,
			&a.MeetingType, &a.GoogleEventID, &a.Status, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list appointments: scan: %w", err)
	}
	return apps, nil
}
