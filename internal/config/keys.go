package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manash/imgstudio/pkg/models"
)

var ErrKeyNotFound = errors.New("no stored key")

// KeyStore keeps provider API keys in keys.json, readable only by the owner.
type KeyStore struct {
	dir string
}

type keyEntry struct {
	Key string `json:"key"`
}

func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

func (s *KeyStore) Path() string {
	return filepath.Join(s.dir, "keys.json")
}

func (s *KeyStore) load() (map[string]keyEntry, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]keyEntry), nil
		}
		return nil, err
	}

	keys := make(map[string]keyEntry)
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse keys.json: %w", err)
	}
	return keys, nil
}

func (s *KeyStore) save(keys map[string]keyEntry) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write keys.json: %w", err)
	}
	return nil
}

func (s *KeyStore) Set(p models.ProviderType, key string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}
	keys[string(p)] = keyEntry{Key: strings.TrimSpace(key)}
	return s.save(keys)
}

// Get returns the stored key for p, or "" when none is stored.
func (s *KeyStore) Get(p models.ProviderType) (string, error) {
	keys, err := s.load()
	if err != nil {
		return "", err
	}
	return keys[string(p)].Key, nil
}

func (s *KeyStore) Delete(p models.ProviderType) error {
	keys, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := keys[string(p)]; !ok {
		return fmt.Errorf("%w for %s", ErrKeyNotFound, p)
	}
	delete(keys, string(p))
	return s.save(keys)
}

// List returns the providers with a stored key, sorted.
func (s *KeyStore) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MaskKey hides all but the first and last four characters.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// ResolveAPIKey picks the key for p from, in order, the explicit value, the
// key store, and the provider's environment variable. It also reports where
// the key came from.
func ResolveAPIKey(explicit string, p models.ProviderType, store *KeyStore) (string, string, error) {
	if explicit != "" {
		return explicit, "command-line flag", nil
	}

	if store != nil {
		if key, err := store.Get(p); err == nil && key != "" {
			return key, "stored key (" + store.Path() + ")", nil
		}
	}

	envVar := p.EnvVar()
	if key := os.Getenv(envVar); key != "" {
		return key, "environment variable (" + envVar + ")", nil
	}

	return "", "", fmt.Errorf("API key required: run 'imgstudio keys set %s' or set %s", p, envVar)
}
