// Package drafts stages recorded actions that have not been saved as a test yet.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/izavyalov-dev/testrun/internal/observability"
	"github.com/izavyalov-dev/testrun/protocol"
	"github.com/izavyalov-dev/testrun/state"
)

// DefaultTTL bounds how long a draft stays reachable after Put.
const DefaultTTL = 600 * time.Second

// IDPrefix marks generated draft identifiers.
const IDPrefix = "temp_test_"

// ErrNotFound is returned for drafts that were never written or have expired.
var ErrNotFound = state.ErrNotFound

// Backend is the key-value store drafts live in. Expiry is enforced by the backend.
type Backend interface {
	PutDraft(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetDraft(ctx context.Context, key string) ([]byte, error)
	PurgeExpiredDrafts(ctx context.Context, now time.Time, limit int) (int, error)
}

type Store struct {
	backend Backend
	ttl     time.Duration
	newID   func() string
	logger  *slog.Logger
}

type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     DefaultTTL,
		newID:   func() string { return IDPrefix + uuid.NewString() },
		logger:  observability.NewLogger("drafts"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL reports how long a stored draft stays readable.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put stores the action sequence under a fresh identifier.
func (s *Store) Put(ctx context.Context, events []protocol.Action) (string, error) {
	if events == nil {
		events = []protocol.Action{}
	}
	value, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("encode draft events: %w", err)
	}
	id := s.newID()
	if err := s.backend.PutDraft(ctx, id, value, s.ttl); err != nil {
		return "", fmt.Errorf("store draft: %w", err)
	}
	s.logger.Info("draft stored", "event", "draft_stored", "draft_id", id, "actions", len(events))
	return id, nil
}

// Get returns the action sequence of a live draft. Absent and expired drafts
// both yield ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) ([]protocol.Action, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: draft id empty", ErrNotFound)
	}
	value, err := s.backend.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	var events []protocol.Action
	if err := json.Unmarshal(value, &events); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", id, err)
	}
	return events, nil
}

// Purge removes expired drafts in batches and returns the number removed.
func (s *Store) Purge(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		count, err := s.backend.PurgeExpiredDrafts(ctx, now, 100)
		if err != nil {
			if errors.Is(err, state.ErrNoExpiredDrafts) {
				return total, nil
			}
			return total, err
		}
		total += count
		if count < 100 {
			return total, nil
		}
	}
}

// IsNotFound reports whether err marks a missing or expired draft.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
