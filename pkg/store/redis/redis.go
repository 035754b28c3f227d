// Package redis provides a [store.ContextStore] backed by Redis lists.
//
// Each session's window lives under "context:<session_id>" as a list of JSON
// entries, trimmed to the configured cap and expired after the TTL on every
// append.
package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/jarvis/pkg/store"
)

var _ store.ContextStore = (*ContextStore)(nil)

const defaultKeyPrefix = "context"

// Params configures [New].
type Params struct {
	// Client is an existing client. The store does not close it.
	Client redis.UniversalClient

	// URL creates a dedicated client when Client is nil, for example
	// redis://localhost:6379/0.
	URL string

	// KeyPrefix defaults to "context".
	KeyPrefix string

	// Limit defaults to [store.DefaultContextLimit].
	Limit int

	// TTL defaults to [store.DefaultContextTTL].
	TTL time.Duration
}

// ContextStore implements [store.ContextStore].
type ContextStore struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	limit      int
	ttl        time.Duration
}

// New connects and pings Redis.
func New(ctx context.Context, p Params) (*ContextStore, error) {
	client := p.Client
	owns := false
	if client == nil {
		if p.URL == "" {
			return nil, fmt.Errorf("redis store: client or url is required")
		}
		opts, err := redis.ParseURL(p.URL)
		if err != nil {
			return nil, fmt.Errorf("redis store: parse url: %w", err)
		}
		client = redis.NewClient(opts)
		owns = true
	}

	s := &ContextStore{
		client:     client,
		ownsClient: owns,
		prefix:     cmp.Or(p.KeyPrefix, defaultKeyPrefix),
		limit:      cmp.Or(p.Limit, store.DefaultContextLimit),
		ttl:        cmp.Or(p.TTL, store.DefaultContextTTL),
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ContextStore) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

// Append implements [store.ContextStore]. The push, trim and expire run in
// one MULTI block.
func (s *ContextStore) Append(ctx context.Context, sessionID string, e store.ContextEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis store: marshal entry: %w", err)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -int64(s.limit), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: append: %w", err)
	}
	return nil
}

// Recent implements [store.ContextStore]. Entries that fail to decode are
// skipped.
func (s *ContextStore) Recent(ctx context.Context, sessionID string, n int) ([]store.ContextEntry, error) {
	start := int64(0)
	if n > 0 {
		start = -int64(n)
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: recent: %w", err)
	}

	entries := make([]store.ContextEntry, 0, len(raw))
	for _, payload := range raw {
		var e store.ContextEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear implements [store.ContextStore].
func (s *ContextStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis store: clear: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers. It doubles as a readiness check.
func (s *ContextStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis store: ping: %w", err)
	}
	return nil
}

// Close releases the client when the store created it.
func (s *ContextStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
