package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alicia-home/alicia-core/internal/bus"
)

// EncryptionAlgorithm is the only algorithm the substrate speaks.
const EncryptionAlgorithm = "aes-256-gcm"

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// nonceSize is the GCM nonce length (96 bits).
const nonceSize = 12

// Key is one symmetric message key. A retired key (RetiredAt set) remains
// usable for decryption until its grace period lapses.
type Key struct {
	ID        string
	Material  []byte
	CreatedAt time.Time
	RetiredAt time.Time
}

// KeyProvider supplies keys to the Codec. The gateway's Keystore implements
// it; services without gateway access use StaticKeys.
type KeyProvider interface {
	// ActiveKey returns the key new ciphertexts are sealed under.
	ActiveKey() (Key, error)

	// KeyByID returns a key for decryption. Implementations must reject ids
	// whose grace period has lapsed with ErrUnknownKey.
	KeyByID(id string) (Key, error)
}

// Codec encrypts and decrypts envelope payloads with AES-256-GCM.
//
// The associated data binds the envelope identity
// (message_id | source | destination | timestamp) into the tag, so moving a
// ciphertext to another envelope fails verification.
type Codec struct {
	keys KeyProvider
}

// NewCodec creates a Codec over the given key provider.
func NewCodec(keys KeyProvider) *Codec {
	return &Codec{keys: keys}
}

// envelopeAAD builds the associated data for an envelope.
func envelopeAAD(env *bus.Envelope) []byte {
	aad := env.MessageID + "|" + env.Source + "|" + env.Destination + "|" +
		env.Timestamp.UTC().Format(time.RFC3339Nano)
	return []byte(aad)
}

// EncryptEnvelope replaces the envelope payload with its ciphertext and
// attaches the security block.
//
// The envelope must already carry its final message id, source, destination,
// and timestamp: those fields are sealed into the GCM tag.
//
// Parameters:
//   - env: Envelope whose payload to encrypt in place
//
// Returns:
//   - error: If no active key is available or sealing fails
func (c *Codec) EncryptEnvelope(env *bus.Envelope) error {
	if env.Security != nil {
		return fmt.Errorf("envelope already encrypted")
	}
	if env.MessageID == "" || env.Timestamp.IsZero() {
		return fmt.Errorf("envelope identity incomplete: encrypt after filling message_id and timestamp")
	}

	key, err := c.keys.ActiveKey()
	if err != nil {
		return fmt.Errorf("fetching active key: %w", err)
	}

	aead, err := newAEAD(key.Material)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, env.Payload, envelopeAAD(env))

	sealed, err := json.Marshal(base64.StdEncoding.EncodeToString(ciphertext))
	if err != nil {
		return fmt.Errorf("encoding ciphertext: %w", err)
	}

	env.Payload = sealed
	env.Security = &bus.Security{
		Encryption: EncryptionAlgorithm,
		KeyID:      key.ID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	return nil
}

// DecryptEnvelope verifies and decrypts the envelope payload in place,
// removing the security block on success.
//
// Any verification failure (bad tag, unknown key, mismatched AAD, malformed
// block) returns ErrDecryptFailed; the caller must not process the payload.
//
// Parameters:
//   - env: Envelope whose payload to decrypt in place
//
// Returns:
//   - error: ErrNotEncrypted, or ErrDecryptFailed on any verification failure
func (c *Codec) DecryptEnvelope(env *bus.Envelope) error {
	if env.Security == nil {
		return ErrNotEncrypted
	}
	if env.Security.Encryption != EncryptionAlgorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptFailed, env.Security.Encryption)
	}

	key, err := c.keys.KeyByID(env.Security.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	aead, err := newAEAD(key.Material)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecryptFailed, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Security.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return fmt.Errorf("%w: malformed nonce", ErrDecryptFailed)
	}

	var encoded string
	if err := json.Unmarshal(env.Payload, &encoded); err != nil {
		return fmt.Errorf("%w: malformed ciphertext payload", ErrDecryptFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("%w: malformed ciphertext payload", ErrDecryptFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, envelopeAAD(env))
	if err != nil {
		return ErrDecryptFailed
	}

	env.Payload = plaintext
	env.Security = nil
	return nil
}

// newAEAD builds the GCM cipher for a key.
func newAEAD(material []byte) (cipher.AEAD, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

// StaticKeys is a KeyProvider over a fixed key set, for services that share
// the message key via configuration instead of the gateway keystore.
type StaticKeys struct {
	Keys []Key
}

// ActiveKey returns the first key.
func (s StaticKeys) ActiveKey() (Key, error) {
	if len(s.Keys) == 0 {
		return Key{}, fmt.Errorf("no keys configured")
	}
	return s.Keys[0], nil
}

// KeyByID finds a key by id.
func (s StaticKeys) KeyByID(id string) (Key, error) {
	for _, k := range s.Keys {
		if k.ID == id {
			return k, nil
		}
	}
	return Key{}, ErrUnknownKey
}
