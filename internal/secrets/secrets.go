// Package secrets abstracts secure credential storage. The webhook client
// uses it to look up per-endpoint bearer secrets without knowing where
// they live.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no secret is stored under a key.
var ErrNotFound = errors.New("secret not found")

// Provider is a minimal capability interface for secret storage.
type Provider interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Delete(key string) error
}

const service = "hookchat"

// keyringProvider stores secrets in the OS credential store.
type keyringProvider struct{}

// NewKeyringProvider returns a Provider backed by the operating system's
// keychain/keyring.
func NewKeyringProvider() Provider {
	return keyringProvider{}
}

func (keyringProvider) Load(key string) ([]byte, error) {
	value, err := keyring.Get(service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret %q: %w", key, err)
	}
	return []byte(value), nil
}

func (keyringProvider) Save(key string, value []byte) error {
	if err := keyring.Set(service, key, string(value)); err != nil {
		return fmt.Errorf("failed to save secret %q: %w", key, err)
	}
	return nil
}

func (keyringProvider) Delete(key string) error {
	err := keyring.Delete(service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete secret %q: %w", key, err)
	}
	return nil
}

// memoryProvider is an in-memory Provider for tests and headless environments.
type memoryProvider struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryProvider returns a Provider holding secrets in process memory.
func NewMemoryProvider() Provider {
	return &memoryProvider{values: make(map[string][]byte)}
}

func (p *memoryProvider) Load(key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.values[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (p *memoryProvider) Save(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	p.values[key] = stored
	return nil
}

func (p *memoryProvider) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
	return nil
}

// WebhookSecretKey derives the storage key for a webhook endpoint's bearer
// secret. The URL is encoded so it is safe as a credential account name.
func WebhookSecretKey(endpoint string) string {
	return "webhook_" + base64.StdEncoding.EncodeToString([]byte(endpoint))
}

const deviceIDKey = "device_id"

// EnsureDeviceID returns this installation's stable device identifier,
// generating and persisting one through the provider on first use. Every
// subsequent call returns the same identifier.
func EnsureDeviceID(p Provider) (string, error) {
	value, err := p.Load(deviceIDKey)
	if err == nil && len(value) > 0 {
		return string(value), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}

	id := uuid.NewString()
	if err := p.Save(deviceIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
