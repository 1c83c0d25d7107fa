package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PersistedEvent is one event plus its execution history.
type PersistedEvent struct {
	Event   ScheduledEvent    `json:"event"`
	History []ExecutionRecord `json:"history,omitempty"`
}

// Snapshot is the persisted form of the event map.
type Snapshot struct {
	SavedAt time.Time        `json:"saved_at"`
	Events  []PersistedEvent `json:"events"`
}

// Store persists snapshots.
type Store interface {
	Save(snap Snapshot) error
	Load() (*Snapshot, bool, error)
	Close() error
}

// Bolt bucket names.
var (
	bucketEvents = []byte("events")
	bucketMeta   = []byte("meta")

	keySavedAt = []byte("saved_at")
)

// BoltStore persists snapshots in a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the snapshot file.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Save replaces the stored snapshot atomically.
func (s *BoltStore) Save(snap Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEvents); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		events, err := tx.CreateBucket(bucketEvents)
		if err != nil {
			return err
		}
		for _, pe := range snap.Events {
			data, err := json.Marshal(pe)
			if err != nil {
				return fmt.Errorf("encoding event %s: %w", pe.Event.EventID, err)
			}
			if err := events.Put([]byte(pe.Event.EventID), data); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return meta.Put(keySavedAt, []byte(snap.SavedAt.UTC().Format(time.RFC3339Nano)))
	})
}

// Load reads the stored snapshot. The second return is false when the
// file holds no snapshot yet. Entries that fail to decode are skipped
// so one damaged record cannot take the whole event map down.
func (s *BoltStore) Load() (*Snapshot, bool, error) {
	var snap Snapshot
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta != nil {
			if raw := meta.Get(keySavedAt); raw != nil {
				if at, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
					snap.SavedAt = at
					found = true
				}
			}
		}

		events := tx.Bucket(bucketEvents)
		if events == nil {
			return nil
		}
		found = true
		return events.ForEach(func(k, v []byte) error {
			var pe PersistedEvent
			if err := json.Unmarshal(v, &pe); err != nil {
				return nil
			}
			snap.Events = append(snap.Events, pe)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("loading snapshot: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return &snap, true, nil
}

// Close releases the underlying file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
