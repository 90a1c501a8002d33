package ledger

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/signalsfoundry/mesh-emulator/model"
)

var (
	bucketConnections = []byte("connections")
	bucketKeys        = []byte("connection_keys")
)

// BoltStore persists connection records in a bolt database file so a
// scenario booted from a snapshot finds the links it had before.
type BoltStore struct {
	db *bolt.DB
	mh codec.MsgpackHandle
}

// OpenBoltStore opens (creating when missing) the ledger database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConnections); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func keyBytes(k model.ConnectionKey) []byte { return []byte(k.String()) }

func (s *BoltStore) encode(c *model.Connection) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &s.mh).Encode(c); err != nil {
		return nil, fmt.Errorf("encode connection %d: %w", c.ID, err)
	}
	return buf, nil
}

func (s *BoltStore) decode(data []byte) (*model.Connection, error) {
	var c model.Connection
	if err := codec.NewDecoderBytes(data, &s.mh).Decode(&c); err != nil {
		return nil, fmt.Errorf("decode connection: %w", err)
	}
	return &c, nil
}

func (s *BoltStore) Get(key model.ConnectionKey) (*model.Connection, error) {
	var out *model.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeys).Get(keyBytes(key))
		if id == nil {
			return ErrUnknownConnection
		}
		data := tx.Bucket(bucketConnections).Get(id)
		if data == nil {
			return ErrUnknownConnection
		}
		c, err := s.decode(data)
		out = c
		return err
	})
	return out, err
}

func (s *BoltStore) Add(c *model.Connection) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketKeys)
		if keys.Get(keyBytes(c.Key)) != nil {
			return ErrConnectionExists
		}
		conns := tx.Bucket(bucketConnections)
		seq, err := conns.NextSequence()
		if err != nil {
			return err
		}
		rec := c.Clone()
		rec.ID = seq
		data, err := s.encode(rec)
		if err != nil {
			return err
		}
		if err := conns.Put(idBytes(seq), data); err != nil {
			return err
		}
		id = seq
		return keys.Put(keyBytes(c.Key), idBytes(seq))
	})
	return id, err
}

func (s *BoltStore) update(id uint64, fn func(*model.Connection)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		conns := tx.Bucket(bucketConnections)
		data := conns.Get(idBytes(id))
		if data == nil {
			return ErrUnknownConnection
		}
		c, err := s.decode(data)
		if err != nil {
			return err
		}
		fn(c)
		data, err = s.encode(c)
		if err != nil {
			return err
		}
		return conns.Put(idBytes(id), data)
	})
}

func (s *BoltStore) UpdateState(id uint64, connected bool) error {
	return s.update(id, func(c *model.Connection) { c.Connected = connected })
}

func (s *BoltStore) UpdateImpairment(id uint64, settings model.Settings) error {
	return s.update(id, func(c *model.Connection) { c.Impairment = settings.Clone() })
}

func (s *BoltStore) UpdateDistance(id uint64, distance float64) error {
	return s.update(id, func(c *model.Connection) { c.Distance = distance })
}

func (s *BoltStore) Delete(f Filter) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		conns := tx.Bucket(bucketConnections)
		keys := tx.Bucket(bucketKeys)
		var doomed []*model.Connection
		err := conns.ForEach(func(_, v []byte) error {
			c, err := s.decode(v)
			if err != nil {
				return err
			}
			if f.Match(c) {
				doomed = append(doomed, c)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range doomed {
			if err := conns.Delete(idBytes(c.ID)); err != nil {
				return err
			}
			if err := keys.Delete(keyBytes(c.Key)); err != nil {
				return err
			}
		}
		n = len(doomed)
		return nil
	})
	return n, err
}

func (s *BoltStore) All(f Filter) ([]*model.Connection, error) {
	var out []*model.Connection
	err := s.db.View(func(tx *bolt.Tx) error {
		// Big-endian IDs iterate in ascending order.
		return tx.Bucket(bucketConnections).ForEach(func(_, v []byte) error {
			c, err := s.decode(v)
			if err != nil {
				return err
			}
			if f.Match(c) {
				out = append(out, c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
