// Package journal persists the synchronizer's pass history in a small
// BoltDB file, so `rack status` can report on a daemon running in another
// process.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mediarack/rack/internal/rack/engine"
)

// Bucket names
var (
	bucketPasses = []byte("passes")
	bucketMeta   = []byte("meta")
)

// Meta keys
var (
	keyActivity    = []byte("activity")
	keyLastSuccess = []byte("last_success")
	keyUpdatedAt   = []byte("updated_at")
)

// DefaultMaxPasses is how many passes are kept when no limit is given.
const DefaultMaxPasses = 200

// Journal records pass results and the latest activity.
//
// Journal implements engine.Observer and engine.PassObserver; subscribe it
// to a Synchronizer to keep it current.
type Journal struct {
	db        *bolt.DB
	maxPasses int
	logger    *slog.Logger
}

// Summary is the latest state recorded by a running synchronizer.
type Summary struct {
	Activity    string             `json:"activity" yaml:"activity" toml:"activity"`
	LastSuccess time.Time          `json:"last_success" yaml:"last_success" toml:"last_success"`
	UpdatedAt   time.Time          `json:"updated_at" yaml:"updated_at" toml:"updated_at"`
	LastPass    *engine.PassResult `json:"last_pass,omitempty" yaml:"last_pass,omitempty" toml:"last_pass,omitempty"`
}

// Open opens (or creates) the journal at path. maxPasses <= 0 selects
// DefaultMaxPasses.
func Open(path string, maxPasses int, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if maxPasses <= 0 {
		maxPasses = DefaultMaxPasses
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPasses, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, maxPasses: maxPasses, logger: logger.With("component", "journal")}, nil
}

// OpenReadOnly opens an existing journal for reading. BoltDB locks the file
// while a daemon has it open, so this fails with a timeout in that case.
func OpenReadOnly(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	return &Journal{db: db, maxPasses: DefaultMaxPasses, logger: slog.Default()}, nil
}

func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// passKey orders passes by start time.
func passKey(t time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return k
}

// Record stores r and prunes the oldest passes beyond the limit.
func (j *Journal) Record(r engine.PassResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode pass: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		passes := tx.Bucket(bucketPasses)
		if err := passes.Put(passKey(r.Started), data); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		if r.Outcome == engine.OutcomeOK {
			if err := meta.Put(keyLastSuccess, []byte(r.Finished.UTC().Format(time.RFC3339Nano))); err != nil {
				return err
			}
		}
		if err := touch(meta); err != nil {
			return err
		}

		// Prune from the oldest end.
		n := 0
		c := passes.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for k, _ := c.First(); k != nil && n > j.maxPasses; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n--
		}
		return nil
	})
}

// SetActivity records the synchronizer's current activity.
func (j *Journal) SetActivity(a engine.Activity) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(keyActivity, []byte(a.String())); err != nil {
			return err
		}
		return touch(meta)
	})
}

func touch(meta *bolt.Bucket) error {
	return meta.Put(keyUpdatedAt, []byte(time.Now().UTC().Format(time.RFC3339Nano)))
}

// Recent returns up to n passes, newest first.
func (j *Journal) Recent(n int) ([]engine.PassResult, error) {
	var out []engine.PassResult
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPasses)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var r engine.PassResult
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("corrupt pass record: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// Summary returns the latest recorded activity, last success and pass.
func (j *Journal) Summary() (Summary, error) {
	var s Summary
	err := j.db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(bucketMeta); meta != nil {
			s.Activity = string(meta.Get(keyActivity))
			s.LastSuccess = parseStamp(meta.Get(keyLastSuccess))
			s.UpdatedAt = parseStamp(meta.Get(keyUpdatedAt))
		}
		if passes := tx.Bucket(bucketPasses); passes != nil {
			if k, v := passes.Cursor().Last(); k != nil {
				var r engine.PassResult
				if err := json.Unmarshal(v, &r); err != nil {
					return fmt.Errorf("corrupt pass record: %w", err)
				}
				s.LastPass = &r
			}
		}
		return nil
	})
	return s, err
}

func parseStamp(v []byte) time.Time {
	if v == nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, string(v))
	return t
}

// ActivityChanged implements engine.Observer.
func (j *Journal) ActivityChanged(prev, next engine.Activity) {
	if err := j.SetActivity(next); err != nil {
		j.logger.Warn("failed to record activity", "activity", next, "error", err)
	}
}

// DirectionChanged implements engine.Observer. Directions are not journaled.
func (j *Journal) DirectionChanged(engine.Direction) {}

// PassCompleted implements engine.PassObserver.
func (j *Journal) PassCompleted(r engine.PassResult) {
	if err := j.Record(r); err != nil {
		j.logger.Warn("failed to record pass", "error", err)
	}
}
