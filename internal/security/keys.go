package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Keystore manages the symmetric message keys: one active key for sealing,
// plus retired keys that remain valid for decryption during the grace period.
//
// Keys are cached in memory and persisted through Store so a gateway restart
// never invalidates in-flight ciphertexts.
//
// Thread Safety: all methods are safe for concurrent use.
type Keystore struct {
	store Store
	grace time.Duration
	now   func() time.Time

	mu   sync.RWMutex
	keys []Key // newest first; keys[0] is active
}

// NewKeystore loads existing keys from the store, generating the first key
// when the store is empty.
//
// Parameters:
//   - ctx: Context for the initial load
//   - store: Key persistence
//   - grace: How long retired keys stay valid for decryption
//
// Returns:
//   - *Keystore: Loaded keystore with an active key
//   - error: If loading or initial key generation fails
func NewKeystore(ctx context.Context, store Store, grace time.Duration) (*Keystore, error) {
	ks := &Keystore{
		store: store,
		grace: grace,
		now:   func() time.Time { return time.Now().UTC() },
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading keys: %w", err)
	}
	ks.keys = keys

	if ks.activeIndex() < 0 {
		if _, err := ks.Rotate(ctx); err != nil {
			return nil, fmt.Errorf("generating initial key: %w", err)
		}
	}
	return ks, nil
}

// activeIndex returns the index of the newest unretired key, or -1.
func (ks *Keystore) activeIndex() int {
	for i, k := range ks.keys {
		if k.RetiredAt.IsZero() {
			return i
		}
	}
	return -1
}

// ActiveKey returns the key new ciphertexts are sealed under.
func (ks *Keystore) ActiveKey() (Key, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if i := ks.activeIndex(); i >= 0 {
		return ks.keys[i], nil
	}
	return Key{}, fmt.Errorf("no active key")
}

// KeyByID returns a key for decryption. Retired keys are served until their
// grace period lapses; afterwards the id is treated as unknown.
func (ks *Keystore) KeyByID(id string) (Key, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	for _, k := range ks.keys {
		if k.ID != id {
			continue
		}
		if !k.RetiredAt.IsZero() && ks.now().After(k.RetiredAt.Add(ks.grace)) {
			return Key{}, fmt.Errorf("%w: %s grace lapsed", ErrUnknownKey, id)
		}
		return k, nil
	}
	return Key{}, fmt.Errorf("%w: %s", ErrUnknownKey, id)
}

// Rotate generates and activates a new key, retiring the previous active key.
// The old key id keeps decrypting for the grace period.
//
// Parameters:
//   - ctx: Context for persistence
//
// Returns:
//   - Key: The newly active key
//   - error: If generation or persistence fails
func (ks *Keystore) Rotate(ctx context.Context) (Key, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return Key{}, fmt.Errorf("generating key material: %w", err)
	}

	now := ks.now()
	fresh := Key{
		ID:        "key-" + uuid.NewString(),
		Material:  material,
		CreatedAt: now,
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if i := ks.activeIndex(); i >= 0 {
		old := &ks.keys[i]
		if err := ks.store.RetireKey(ctx, old.ID, now); err != nil {
			return Key{}, err
		}
		old.RetiredAt = now
	}

	if err := ks.store.InsertKey(ctx, fresh); err != nil {
		return Key{}, err
	}
	ks.keys = append([]Key{fresh}, ks.keys...)
	return fresh, nil
}
