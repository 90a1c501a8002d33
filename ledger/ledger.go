// Package ledger keeps the durable per-interface-pair connection records of
// a scenario.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/mesh-emulator/internal/logging"
	"github.com/signalsfoundry/mesh-emulator/model"
)

const lockStripes = 64

// Ledger owns all connection records. Every mutation is written through to
// the Store before it returns; there is no write-back cache. Mutations of
// distinct records may run concurrently, each record is updated atomically.
type Ledger struct {
	store Store
	log   logging.Logger

	// create serializes Exists+Add so two workers cannot race a key.
	create  sync.Mutex
	stripes [lockStripes]sync.Mutex
}

// Option customises Ledger construction.
type Option func(*Ledger)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.log = l
		}
	}
}

// New wraps store. A nil store falls back to a MemoryStore.
func New(store Store, opts ...Option) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Ledger{store: store, log: logging.Noop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) lock(id uint64) func() {
	m := &l.stripes[id%lockStripes]
	m.Lock()
	return m.Unlock
}

// Exists reports whether a record exists for key.
func (l *Ledger) Exists(key model.ConnectionKey) (bool, error) {
	_, err := l.store.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrUnknownConnection):
		return false, nil
	default:
		return false, err
	}
}

// Get returns a copy of the record for key. Misses wrap ErrUnknownConnection.
func (l *Ledger) Get(key model.ConnectionKey) (*model.Connection, error) {
	c, err := l.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return c, nil
}

// Create stores a new record and returns it with its assigned ID. It fails
// with ErrConnectionExists when key is already recorded.
func (l *Ledger) Create(c *model.Connection) (*model.Connection, error) {
	if c == nil {
		return nil, fmt.Errorf("create: nil connection")
	}
	l.create.Lock()
	defer l.create.Unlock()

	id, err := l.store.Add(c)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", c.Key, err)
	}
	rec := c.Clone()
	rec.ID = id
	l.log.Debug(context.Background(), "connection created",
		logging.Any("id", id),
		logging.String("key", c.Key.String()),
		logging.String("kind", string(c.Kind)),
		logging.Int("step", c.StepAdded),
	)
	return rec, nil
}

// SetConnected persists the link-up/link-down flag of record id.
func (l *Ledger) SetConnected(id uint64, connected bool) error {
	defer l.lock(id)()
	if err := l.store.UpdateState(id, connected); err != nil {
		return fmt.Errorf("set connected on %d: %w", id, err)
	}
	return nil
}

// SetImpairment persists the most recently applied settings of record id.
func (l *Ledger) SetImpairment(id uint64, settings model.Settings) error {
	defer l.lock(id)()
	if err := l.store.UpdateImpairment(id, settings); err != nil {
		return fmt.Errorf("set impairment on %d: %w", id, err)
	}
	return nil
}

// SetDistance persists the latest distance observed for record id.
func (l *Ledger) SetDistance(id uint64, distance float64) error {
	defer l.lock(id)()
	if err := l.store.UpdateDistance(id, distance); err != nil {
		return fmt.Errorf("set distance on %d: %w", id, err)
	}
	return nil
}

// All enumerates records matching f in ID order.
func (l *Ledger) All(f Filter) ([]*model.Connection, error) {
	out, err := l.store.All(f)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return out, nil
}

// Reset removes every record. It is only used when a scenario is torn down
// or explicitly started from scratch.
func (l *Ledger) Reset() (int, error) {
	n, err := l.store.Delete(Filter{})
	if err != nil {
		return 0, fmt.Errorf("reset ledger: %w", err)
	}
	return n, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error { return l.store.Close() }

// Ptr is a convenience for building Filters.
func Ptr[T any](v T) *T { return &v }
