// Package checkpoint persists the last sequence number whose effects are
// guaranteed applied to the sink. One small JSON record, overwritten
// atomically: a crash mid-write must never leave a corrupt or
// partially-written checkpoint, so every save goes to a temp file in the
// same directory followed by a rename.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint means no checkpoint exists yet. The caller starts
	// from the source's earliest retained sequence, which triggers a full
	// re-seed.
	ErrNoCheckpoint = errors.New("checkpoint: none persisted")

	// ErrPersist wraps disk failures while saving. Immediately fatal for
	// the bridge: continuing past it risks silent data loss on restart.
	ErrPersist = errors.New("checkpoint: persist failed")
)

// Checkpoint is the durable replication position.
type Checkpoint struct {
	SequenceNumber uint64    `json:"sequence_number"`
	LastUpdate     time.Time `json:"last_update"`
}

// Validate rejects obviously broken records, e.g. from a truncated file that
// still parsed.
func (c *Checkpoint) Validate() error {
	if c.LastUpdate.IsZero() {
		return fmt.Errorf("checkpoint: missing last_update")
	}
	return nil
}

// Store reads and writes the checkpoint file at a fixed path.
type Store struct {
	path string
}

// NewStore returns a store for the operator-configured checkpoint path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted checkpoint. Returns ErrNoCheckpoint if the file
// does not exist.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}

	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", s.path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save durably replaces the checkpoint with the given sequence number. The
// temp file is created next to the final path so the rename stays within one
// filesystem.
func (s *Store) Save(sequence uint64) error {
	c := Checkpoint{SequenceNumber: sequence, LastUpdate: time.Now().UTC()}

	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp in %s: %v", ErrPersist, dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write: %v", ErrPersist, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync: %v", ErrPersist, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close: %v", ErrPersist, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", ErrPersist, err)
	}
	return nil
}
