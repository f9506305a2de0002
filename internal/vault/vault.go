// Package vault provides encrypted at-rest storage for provider API keys
// with a lock/unlock lifecycle. Values are sealed with AES-256-GCM under a
// key derived from the master password via argon2id.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters (RFC 9106 second recommended option).
const (
	saltSize    = 16
	argonTime   = 3
	argonMemory = 64 * 1024
	argonlanes  = 4
	keySize     = 32
)

var ErrLocked = errors.New("vault locked")

// Vault holds provider credentials encrypted in memory. A disabled vault
// passes values through so callers can treat plain env keys uniformly.
type Vault struct {
	enabled bool

	mu     sync.RWMutex
	locked bool
	salt   []byte
	key    []byte // derived; cleared on lock
	values map[string][]byte
}

// New creates a vault. When enabled it starts locked with a fresh salt.
func New(enabled bool) (*Vault, error) {
	v := &Vault{
		enabled: enabled,
		locked:  enabled,
		values:  make(map[string][]byte),
	}
	if enabled {
		v.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, v.salt); err != nil {
			return nil, fmt.Errorf("generating vault salt: %w", err)
		}
	}
	return v, nil
}

func (v *Vault) Enabled() bool {
	return v.enabled
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.enabled && v.locked
}

// Unlock derives the sealing key from the master password and the vault
// salt. Unlocking a disabled vault is a no-op.
func (v *Vault) Unlock(master []byte) error {
	if !v.enabled {
		return nil
	}
	if len(master) < 8 {
		return errors.New("password too short")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = argon2.IDKey(master, v.salt, argonTime, argonMemory, argonlanes, keySize)
	v.locked = false
	return nil
}

// Lock clears the derived key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// Set encrypts and stores a credential.
func (v *Vault) Set(name, value string) error {
	encrypted, err := v.encrypt([]byte(value))
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.values[name] = encrypted
	v.mu.Unlock()
	return nil
}

// Get decrypts and returns a credential.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	encrypted, exists := v.values[name]
	v.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("credential not found: %s", name)
	}
	plaintext, err := v.decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes a credential.
func (v *Vault) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.values, name)
}

// Export returns the encrypted contents and salt for persistence.
func (v *Vault) Export() (salt string, data map[string]string) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	data = make(map[string]string, len(v.values))
	for k, val := range v.values {
		data[k] = base64.StdEncoding.EncodeToString(val)
	}
	return base64.StdEncoding.EncodeToString(v.salt), data
}

// Import restores persisted encrypted contents. The salt must be imported
// before Unlock for decryption to succeed.
func (v *Vault) Import(salt string, data map[string]string) error {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("decoding vault salt: %w", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(decodedSalt) > 0 {
		v.salt = decodedSalt
	}
	for k, encValue := range data {
		decoded, err := base64.StdEncoding.DecodeString(encValue)
		if err != nil {
			return fmt.Errorf("decoding credential %s: %w", k, err)
		}
		v.values[k] = decoded
	}
	return nil
}

func (v *Vault) encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.enabled {
		return plaintext, nil
	}
	gcm, err := v.cipherLocked()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.enabled {
		return ciphertext, nil
	}
	gcm, err := v.cipherLocked()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}

// cipherLocked builds the AEAD from the current key. Callers hold v.mu.
func (v *Vault) cipherLocked() (cipher.AEAD, error) {
	if v.enabled && v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != keySize {
		return nil, errors.New("no key")
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
