package request

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned when a request with the same compound id is
	// begun while an earlier one is still pending.
	ErrDuplicate = errors.New("duplicate pending request")
	// ErrUnknown is returned when a reply acknowledges a request id that is
	// not pending. Late replies for superseded requests end up here.
	ErrUnknown = errors.New("unknown request id")
)

// Pending is the bookkeeping entry for one in-flight request.
type Pending struct {
	ID      ID
	Type    Type
	Token   string
	BeganAt time.Time
}

// Correlator tracks pending requests and clears them when a correlated reply
// arrives. Every reply, successful or not, must acknowledge its request via
// Resolve or Fail; entries that are never acknowledged stay pending forever
// unless a TTL is configured.
type Correlator struct {
	mu      sync.Mutex
	pending map[ID]*Pending
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type CorrelatorOption func(*Correlator)

// WithTTL enables expiry of pending entries older than d. The zero default
// keeps entries forever, matching the upstream behavior of leaving a request
// with no reply outstanding indefinitely.
func WithTTL(d time.Duration) CorrelatorOption {
	return func(c *Correlator) {
		c.ttl = d
	}
}

func WithLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

func withClock(now func() time.Time) CorrelatorOption {
	return func(c *Correlator) {
		c.now = now
	}
}

func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		pending: make(map[ID]*Pending),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin registers a pending request and returns its compound id.
// A second Begin with the same (type, token) pair while the first is still
// pending returns ErrDuplicate; the existing entry is left untouched.
func (c *Correlator) Begin(t Type, token string) (ID, error) {
	id, err := NewID(t, token)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	c.pending[id] = &Pending{
		ID:      id,
		Type:    t,
		Token:   token,
		BeganAt: c.now(),
	}
	return id, nil
}

// Resolve clears the pending entry for a successfully answered request.
func (c *Correlator) Resolve(id ID) error {
	return c.clear(id)
}

// Fail clears the pending entry for a request that terminated with an error.
// The reason is logged; the caller owns any further surfacing.
func (c *Correlator) Fail(id ID, reason error) error {
	if err := c.clear(id); err != nil {
		return err
	}
	c.logger.Debug("request failed", slog.String("request.id", id.String()), slog.Any("reason", reason))
	return nil
}

// Pending reports whether the id has a live entry.
func (c *Correlator) Pending(id ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Len returns the number of live entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sweep removes entries older than the configured TTL and returns their ids.
// With no TTL configured it is a no-op.
func (c *Correlator) Sweep() []ID {
	if c.ttl <= 0 {
		return nil
	}
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []ID
	for id, p := range c.pending {
		if p.BeganAt.Before(cutoff) {
			delete(c.pending, id)
			expired = append(expired, id)
		}
	}
	return expired
}

func (c *Correlator) clear(id ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	delete(c.pending, id)
	return nil
}
