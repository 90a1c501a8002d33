package ledger

import (
	"errors"
	"sort"
	"sync"

	"github.com/signalsfoundry/mesh-emulator/model"
)

var (
	// ErrUnknownConnection reports a ledger operation on a link that was
	// never created. It indicates an ordering bug in the caller.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrConnectionExists reports a Create for an already recorded key.
	ErrConnectionExists = errors.New("connection already exists")
)

// Filter narrows an enumeration. Nil fields match everything.
type Filter struct {
	NodeX     *int
	NodeY     *int
	Connected *bool
	Kind      *model.ConnectionKind
}

// Match reports whether c passes the filter.
func (f Filter) Match(c *model.Connection) bool {
	if f.NodeX != nil && c.Key.NodeX != *f.NodeX {
		return false
	}
	if f.NodeY != nil && c.Key.NodeY != *f.NodeY {
		return false
	}
	if f.Connected != nil && c.Connected != *f.Connected {
		return false
	}
	if f.Kind != nil && c.Kind != *f.Kind {
		return false
	}
	return true
}

// Store is the persistence collaborator behind the Ledger. Every method
// must be durable when it returns.
type Store interface {
	// Get returns the record for key or ErrUnknownConnection.
	Get(key model.ConnectionKey) (*model.Connection, error)
	// Add assigns an ID to c and stores it. It fails with
	// ErrConnectionExists when key is already present.
	Add(c *model.Connection) (uint64, error)
	UpdateState(id uint64, connected bool) error
	UpdateImpairment(id uint64, settings model.Settings) error
	UpdateDistance(id uint64, distance float64) error
	// Delete removes all matching records and returns how many went away.
	Delete(f Filter) (int, error)
	// All returns matching records ordered by ID.
	All(f Filter) ([]*model.Connection, error)
	Close() error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*model.Connection
	byKey  map[model.ConnectionKey]uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[uint64]*model.Connection),
		byKey: make(map[model.ConnectionKey]uint64),
	}
}

func (s *MemoryStore) Get(key model.ConnectionKey) (*model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Add(c *model.Connection) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[c.Key]; exists {
		return 0, ErrConnectionExists
	}
	s.nextID++
	rec := c.Clone()
	rec.ID = s.nextID
	s.byID[rec.ID] = rec
	s.byKey[rec.Key] = rec.ID
	return rec.ID, nil
}

func (s *MemoryStore) update(id uint64, fn func(*model.Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrUnknownConnection
	}
	fn(rec)
	return nil
}

func (s *MemoryStore) UpdateState(id uint64, connected bool) error {
	return s.update(id, func(c *model.Connection) { c.Connected = connected })
}

func (s *MemoryStore) UpdateImpairment(id uint64, settings model.Settings) error {
	return s.update(id, func(c *model.Connection) { c.Impairment = settings.Clone() })
}

func (s *MemoryStore) UpdateDistance(id uint64, distance float64) error {
	return s.update(id, func(c *model.Connection) { c.Distance = distance })
}

func (s *MemoryStore) Delete(f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.byID {
		if f.Match(rec) {
			delete(s.byID, id)
			delete(s.byKey, rec.Key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) All(f Filter) ([]*model.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Connection, 0, len(s.byID))
	for _, rec := range s.byID {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
