package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/scenemerge/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketOps  = []byte("ops")
	bucketMeta = []byte("meta")
)

// record is the on-disk form of a log entry.
type record struct {
	Seq        uint64          `json:"seq"`
	AppendedAt time.Time       `json:"appended_at"`
	Op         models.Envelope `json:"op"`
}

// BboltLog implements OpLog using a single bbolt file per document.
type BboltLog struct {
	db *bolt.DB
}

// NewBboltLog opens or creates a bbolt database at the given path.
func NewBboltLog(dbPath string) (*BboltLog, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open op log: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketOps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &BboltLog{db: db}, nil
}

// Close releases the bbolt database.
func (s *BboltLog) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *BboltLog) Path() string {
	if s.db == nil {
		return ""
	}
	return s.db.Path()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Append stores ops atomically in one transaction.
func (s *BboltLog) Append(_ context.Context, ops []models.Operation) (uint64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	if len(ops) == 0 {
		return 0, nil
	}

	var first uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOps)
		now := time.Now().UTC()

		for i, op := range ops {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			if i == 0 {
				first = seq
			}

			data, err := json.Marshal(&record{Seq: seq, AppendedAt: now, Op: models.ToEnvelope(op)})
			if err != nil {
				return fmt.Errorf("marshal operation %s: %w", op.OpID(), err)
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return fmt.Errorf("store operation %s: %w", op.OpID(), err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// Load returns entries after afterSeq by cursor scan.
func (s *BboltLog) Load(_ context.Context, afterSeq uint64) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOps).Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			op, err := rec.Op.Operation()
			if err != nil {
				return fmt.Errorf("decode entry %d: %w", rec.Seq, err)
			}
			entries = append(entries, Entry{Seq: rec.Seq, AppendedAt: rec.AppendedAt, Op: op})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the total number of logged operations.
func (s *BboltLog) Count(_ context.Context) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketOps).Stats().KeyN
		return nil
	})
	return count, err
}

// GetValue reads a metadata value. Returns ErrNotFound if missing.
func (s *BboltLog) GetValue(_ context.Context, key string) (string, error) {
	if s.db == nil {
		return "", ErrClosed
	}
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		val = string(v)
		return nil
	})
	return val, err
}

// SetValue writes a metadata value.
func (s *BboltLog) SetValue(_ context.Context, key, value string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})
}
