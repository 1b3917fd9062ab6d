package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per comparison, acceptable for a low-volume read API.
	bcryptCost  = 10
	bcryptLimit = 72

	keyPrefix       = "traceline_ak_" // pragma: allowlist secret
	randomBytesSize = 32
	apiKeyLength    = len(keyPrefix) + randomBytesSize*2
	maskPrefixLen   = 17 // Show "traceline_ak_1234"
	maskSuffixLen   = 4
)

// Sentinel errors for API key handling.
var (
	// ErrKeyEmpty is returned when an empty key is provided.
	ErrKeyEmpty = errors.New("API key cannot be empty")
	// ErrInvalidKeyFormat is returned when an API key doesn't match the expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
)

// KeyStore authenticates API keys for the read API.
//
// The middleware depends on this interface rather than a concrete store so a
// database-backed implementation can replace the in-memory one without
// touching the auth path.
type KeyStore interface {
	// Authenticate reports whether the provided plaintext key is valid.
	Authenticate(key string) bool
}

// MemoryKeyStore implements KeyStore over bcrypt hashes held in memory.
// Keys are loaded once at startup (QUERIER_API_KEYS); only hashes are kept.
type MemoryKeyStore struct {
	mu     sync.RWMutex
	hashes []string
}

// NewMemoryKeyStore creates a key store from plaintext keys, hashing each
// with bcrypt. The plaintext is not retained.
func NewMemoryKeyStore(keys []string) (*MemoryKeyStore, error) {
	store := &MemoryKeyStore{hashes: make([]string, 0, len(keys))}

	for _, key := range keys {
		hash, err := HashAPIKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to hash API key %s: %w", MaskKey(key), err)
		}

		store.hashes = append(store.hashes, hash)
	}

	return store, nil
}

// Authenticate compares the provided key against all stored hashes.
func (s *MemoryKeyStore) Authenticate(key string) bool {
	if key == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, hash := range s.hashes {
		if CompareAPIKeyHash(hash, key) {
			return true
		}
	}

	return false
}

// HashAPIKey generates a bcrypt hash of the API key for storage.
// Keys are never held in plaintext beyond startup.
//
// Bcrypt has a 72-byte input limit; longer keys are pre-hashed with SHA-256.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", ErrKeyEmpty
	}

	input := bcryptInput(apiKey)

	hash, err := bcrypt.GenerateFromPassword(input, bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether the plaintext key matches the bcrypt hash.
func CompareAPIKeyHash(hash, apiKey string) bool {
	if hash == "" || apiKey == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(apiKey)) == nil
}

func bcryptInput(apiKey string) []byte {
	if len(apiKey) > bcryptLimit {
		sum := sha256.Sum256([]byte(apiKey))

		return sum[:]
	}

	return []byte(apiKey)
}

// GenerateAPIKey creates a new secure API key.
func GenerateAPIKey() (string, error) {
	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return keyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from header formats, stripping an optional
// Bearer prefix and validating the traceline key shape.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, keyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyFormat
	}

	return keyString, nil
}

// MaskKey masks an API key for secure logging, showing only prefix and suffix.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength {
		maskedLen := keyLen - maskPrefixLen - maskSuffixLen

		return key[:maskPrefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-maskSuffixLen:]
	}

	// Unexpected key lengths are masked completely.
	return strings.Repeat("*", keyLen)
}
