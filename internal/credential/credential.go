// Package credential caches the server-issued daily authorization
// credentials and turns them into per-group authorization tokens.
package credential

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gezibash/arc-groups/internal/observability"
	"github.com/gezibash/arc-groups/internal/transport"
	"github.com/gezibash/arc-groups/pkg/group"
	"github.com/gezibash/arc-groups/pkg/logging"
	"github.com/google/uuid"
)

var (
	// ErrVerification means a cached credential failed verification.
	ErrVerification = errors.New("credential verification failed")

	// ErrNoCredentialForToday means the server did not issue a credential
	// for the current day even after a refresh.
	ErrNoCredentialForToday = errors.New("no authorization credential for today")

	errMissing = errors.New("credential missing")
)

// Fetcher retrieves a fresh batch of credentials from the server.
type Fetcher interface {
	FetchCredentialBatch(ctx context.Context, today int64) ([]transport.Credential, error)
}

// Deriver produces an authorization token from a credential.
type Deriver interface {
	Derive(cred transport.Credential, self uuid.UUID, sp group.SecretParams) (transport.AuthToken, error)
}

// Persister stores credential batches across restarts.
type Persister interface {
	LoadCredentials(ctx context.Context) ([]transport.Credential, error)
	SaveCredentials(ctx context.Context, creds []transport.Credential) error
	ClearCredentials(ctx context.Context) error
}

// Today returns the number of whole days since the Unix epoch in UTC.
func Today(t time.Time) int64 {
	return t.UTC().Unix() / int64(24*time.Hour/time.Second)
}

// Cache holds credentials keyed by day. It has its own lock and does not
// require the group processing lock.
type Cache struct {
	fetcher   Fetcher
	deriver   Deriver
	persister Persister
	now       func() time.Time
	metrics   *observability.Metrics
	log       *logging.Logger

	mu     sync.Mutex
	loaded bool
	creds  map[int64]transport.Credential
}

// Option configures a Cache.
type Option func(*Cache)

// WithPersister makes the cache load and save batches through p.
func WithPersister(p Persister) Option {
	return func(c *Cache) { c.persister = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records lookup results.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log.WithComponent("credential")
		}
	}
}

// New creates a cache.
func New(fetcher Fetcher, deriver Deriver, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		deriver: deriver,
		now:     time.Now,
		log:     logging.New(nil).WithComponent("credential"),
		creds:   make(map[int64]transport.Credential),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authorization returns a token for today's credential, refreshing the
// whole cache once if today's credential is missing or fails verification.
func (c *Cache) Authorization(ctx context.Context, self uuid.UUID, sp group.SecretParams) (transport.AuthToken, error) {
	today := Today(c.now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		return transport.AuthToken{}, err
	}

	tok, err := c.deriveLocked(today, self, sp)
	if err == nil {
		c.record("hit")
		return tok, nil
	}
	if !errors.Is(err, errMissing) && !errors.Is(err, ErrVerification) {
		return transport.AuthToken{}, err
	}

	c.log.InfoContext(ctx, "refreshing credentials", "day", today, "reason", err)
	if err := c.clearLocked(ctx); err != nil {
		return transport.AuthToken{}, err
	}

	batch, err := c.fetcher.FetchCredentialBatch(ctx, today)
	if err != nil {
		return transport.AuthToken{}, fmt.Errorf("fetch credentials: %w", err)
	}
	for _, cred := range batch {
		c.creds[cred.Day] = cred
	}
	if c.persister != nil {
		if err := c.persister.SaveCredentials(ctx, c.sortedLocked()); err != nil {
			return transport.AuthToken{}, fmt.Errorf("persist credentials: %w", err)
		}
	}

	tok, err = c.deriveLocked(today, self, sp)
	if errors.Is(err, errMissing) {
		c.record("miss")
		return transport.AuthToken{}, fmt.Errorf("%w: day %d", ErrNoCredentialForToday, today)
	}
	if err != nil {
		c.record("miss")
		return transport.AuthToken{}, err
	}
	c.record("refresh")
	return tok, nil
}

// Clear drops all cached and persisted credentials.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked(ctx)
}

// Days lists the days currently cached, ascending.
func (c *Cache) Days() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.creds))
}

func (c *Cache) loadLocked(ctx context.Context) error {
	if c.loaded || c.persister == nil {
		c.loaded = true
		return nil
	}
	stored, err := c.persister.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	for _, cred := range stored {
		c.creds[cred.Day] = cred
	}
	c.loaded = true
	return nil
}

func (c *Cache) deriveLocked(day int64, self uuid.UUID, sp group.SecretParams) (transport.AuthToken, error) {
	cred, ok := c.creds[day]
	if !ok {
		return transport.AuthToken{}, errMissing
	}
	return c.deriver.Derive(cred, self, sp)
}

func (c *Cache) clearLocked(ctx context.Context) error {
	clear(c.creds)
	if c.persister != nil {
		if err := c.persister.ClearCredentials(ctx); err != nil {
			return fmt.Errorf("clear credentials: %w", err)
		}
	}
	return nil
}

func (c *Cache) sortedLocked() []transport.Credential {
	out := make([]transport.Credential, 0, len(c.creds))
	for _, day := range slices.Sorted(maps.Keys(c.creds)) {
		out = append(out, c.creds[day])
	}
	return out
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.CredentialLookups.WithLabelValues(result).Inc()
	}
}
