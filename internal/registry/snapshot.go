package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Snapshot is the persisted form of the registry's state.
type Snapshot struct {
	SavedAt  time.Time           `json:"saved_at"`
	Services []ServiceDescriptor `json:"services"`
	Devices  []DeviceDescriptor  `json:"devices"`
}

// Store persists registry snapshots.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

var (
	bucketServices = []byte("services")
	bucketDevices  = []byte("devices")
	bucketMeta     = []byte("meta")

	keySavedAt = []byte("saved_at")
)

// BoltStore persists snapshots to a bbolt file. Each descriptor is its
// own key so partial corruption loses one entry, not the whole fleet.
type BoltStore struct {
	db *bolt.DB
}

// OpenStore creates or opens the snapshot database at path, creating
// parent directories as needed.
func OpenStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("registry store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketServices, bucketDevices, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Save replaces the stored snapshot with snap.
func (s *BoltStore) Save(_ context.Context, snap Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Recreate the buckets so departed instances do not linger.
		for _, name := range [][]byte{bucketServices, bucketDevices} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		services := tx.Bucket(bucketServices)
		for i := range snap.Services {
			data, err := json.Marshal(&snap.Services[i])
			if err != nil {
				return fmt.Errorf("marshaling descriptor %s: %w", snap.Services[i].InstanceID, err)
			}
			if err := services.Put([]byte(snap.Services[i].InstanceID), data); err != nil {
				return err
			}
		}

		devices := tx.Bucket(bucketDevices)
		for i := range snap.Devices {
			data, err := json.Marshal(&snap.Devices[i])
			if err != nil {
				return fmt.Errorf("marshaling device %s: %w", snap.Devices[i].DeviceID, err)
			}
			if err := devices.Put([]byte(snap.Devices[i].DeviceID), data); err != nil {
				return err
			}
		}

		meta := tx.Bucket(bucketMeta)
		return meta.Put(keySavedAt, []byte(snap.SavedAt.UTC().Format(time.RFC3339Nano)))
	})
}

// Load reads the stored snapshot. An empty database yields a zero
// Snapshot and no error.
func (s *BoltStore) Load(_ context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keySavedAt); v != nil {
			if ts, err := time.Parse(time.RFC3339Nano, string(v)); err == nil {
				snap.SavedAt = ts
			}
		}

		err := tx.Bucket(bucketServices).ForEach(func(_, v []byte) error {
			var d ServiceDescriptor
			if err := json.Unmarshal(v, &d); err != nil {
				// Skip the damaged entry; the instance will re-register.
				return nil
			}
			snap.Services = append(snap.Services, d)
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d DeviceDescriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return nil
			}
			snap.Devices = append(snap.Devices, d)
			return nil
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("loading snapshot: %w", err)
	}
	return snap, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
