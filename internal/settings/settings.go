// Package settings provides the key/value settings store used for runtime
// configuration and cursor persistence. Values the operator considers
// secrets (controller credentials) go through the encrypted variants.
package settings

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrNotFound      = errors.New("setting not found")
	ErrNoCryptoKey   = errors.New("encryption key not configured")
	ErrInvalidCipher = errors.New("invalid ciphertext")
)

// Well-known setting keys used by the collection scheduler.
const (
	KeyCollectionEnabled = "collection.enabled"
	KeyPollInterval      = "collection.poll_interval"
	KeyRetentionDays     = "collection.retention_days"
	KeyLastSync          = "collection.last_sync_timestamp"
	KeyBackfillCursor    = "collection.backfill_cursor"
	KeyLastPurgeDate     = "collection.last_purge_date"
	KeyLastMaintenance   = "collection.last_maintenance_check"
)

// CryptoKeyEnv is the environment variable holding the 32-byte hex AES key
// for encrypted settings.
const CryptoKeyEnv = "NETSENTRY_SETTINGS_KEY"

// Store is a string key/value store with encrypted variants for credentials.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetEncrypted(ctx context.Context, key string) (string, error)
	SetEncrypted(ctx context.Context, key, value string) error
}

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed settings store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "netsentry:settings:"}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}

// GetEncrypted implements Store.
func (s *RedisStore) GetEncrypted(ctx context.Context, key string) (string, error) {
	sealed, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return decrypt(sealed)
}

// SetEncrypted implements Store.
func (s *RedisStore) SetEncrypted(ctx context.Context, key, value string) error {
	sealed, err := encrypt(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, sealed)
}

// MemoryStore implements Store in process memory, for tests and single-node
// deployments without Redis.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// GetEncrypted implements Store.
func (s *MemoryStore) GetEncrypted(ctx context.Context, key string) (string, error) {
	sealed, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return decrypt(sealed)
}

// SetEncrypted implements Store.
func (s *MemoryStore) SetEncrypted(ctx context.Context, key, value string) error {
	sealed, err := encrypt(value)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, sealed)
}

func loadKey() ([]byte, error) {
	raw := os.Getenv(CryptoKeyEnv)
	if raw == "" {
		return nil, ErrNoCryptoKey
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: expected 64 hex chars in %s", ErrNoCryptoKey, CryptoKeyEnv)
	}
	return key, nil
}

func encrypt(plaintext string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func decrypt(sealed string) (string, error) {
	key, err := loadKey()
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCipher
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", ErrInvalidCipher
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCipher
	}
	return string(plaintext), nil
}
