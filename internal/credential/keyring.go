package credential

import (
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "mailden"

// Secrets abstracts the secure credential store so tests can substitute
// an in-memory implementation.
type Secrets interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// SystemSecrets returns a Secrets backed by the OS keyring.
func SystemSecrets() Secrets {
	return systemSecrets{}
}

type systemSecrets struct{}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/mailden/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailden-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func (systemSecrets) Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

func (systemSecrets) Set(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

func (systemSecrets) Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

// cacheMap is a small concurrency-safe token cache keyed by account ID.
type cacheMap struct {
	mu sync.Mutex
	m  map[string]Token
}

func (c *cacheMap) get(id string) (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.m[id]
	return tok, ok
}

func (c *cacheMap) put(id string, tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]Token)
	}
	c.m[id] = tok
}

func (c *cacheMap) drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, id)
}
