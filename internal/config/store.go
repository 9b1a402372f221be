// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/toeirei/poolgate/internal/model"
)

// Section keys patched by the store. legacyAccountsKey is the older name
// for the accounts list and is dropped when accounts are written.
const (
	accountsKey       = "accounts"
	apiKeysKey        = "api_keys"
	legacyAccountsKey = "pixiv_accounts"
)

// Store owns the runtime-managed sections of the config file: accounts and
// api_keys. Writes re-read the file and replace only the section that
// changed, so defaults, environment overrides and command line flags merged
// in at load time never reach the disk.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewStore wraps c, which is persisted to path.
func NewStore(path string, c *Config) *Store {
	s := &Store{path: path}
	if c != nil {
		s.cfg = c.Clone()
	}
	return s
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SaveKeys replaces the api_keys section and writes the file.
func (s *Store) SaveKeys(keys []model.APIKey) error {
	return s.update(func(c *Config) { c.APIKeys = FromModelKeys(keys) }, apiKeysKey)
}

// SaveAccounts replaces the accounts section and writes the file.
func (s *Store) SaveAccounts(accounts []Account) error {
	return s.update(func(c *Config) { c.Accounts = append([]Account{}, accounts...) }, accountsKey)
}

// Replace swaps both runtime-managed sections at once, as a restore does.
func (s *Store) Replace(accounts []Account, keys []APIKey) error {
	return s.update(func(c *Config) {
		c.Accounts = append([]Account{}, accounts...)
		c.APIKeys = append([]APIKey{}, keys...)
	}, accountsKey, apiKeysKey)
}

// update applies fn to a copy and only keeps it when the write succeeds.
func (s *Store) update(fn func(*Config), sections ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Clone()
	fn(&next)
	values := make(map[string]any, len(sections))
	for _, sec := range sections {
		switch sec {
		case accountsKey:
			values[sec] = nonNilAccounts(next.Accounts)
		case apiKeysKey:
			values[sec] = nonNilKeys(next.APIKeys)
		}
	}
	if err := patchFile(s.path, values); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

func nonNilAccounts(a []Account) []Account {
	if a == nil {
		return []Account{}
	}
	return a
}

func nonNilKeys(k []APIKey) []APIKey {
	if k == nil {
		return []APIKey{}
	}
	return k
}

// patchFile replaces the given top-level sections of the YAML file at path
// and keeps everything else, in order. A missing file starts empty.
func patchFile(path string, values map[string]any) error {
	var doc yaml.MapSlice
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	case len(bytes.TrimSpace(data)) > 0:
		if err := yaml.UnmarshalWithOptions(data, &doc, yaml.UseOrderedMap()); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_, writesAccounts := values[accountsKey]
	out := make(yaml.MapSlice, 0, len(doc)+len(values))
	done := make(map[string]bool, len(values))
	for _, item := range doc {
		key, _ := item.Key.(string)
		if key == legacyAccountsKey && writesAccounts {
			continue
		}
		if v, ok := values[key]; ok {
			item.Value = v
			done[key] = true
		}
		out = append(out, item)
	}
	for _, key := range []string{accountsKey, apiKeysKey} {
		if v, ok := values[key]; ok && !done[key] {
			out = append(out, yaml.MapItem{Key: key, Value: v})
		}
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, b)
}

// writeAtomic replaces path with data: the data goes to a temporary file in
// the same directory, is synced and then renamed over the target. The file
// is readable by the owner only.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() Config {
	out := *c
	out.Downstream.DownloadHosts = append([]string(nil), c.Downstream.DownloadHosts...)
	out.Accounts = append([]Account(nil), c.Accounts...)
	out.APIKeys = make([]APIKey, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		k.AllowedEndpoints = append([]string(nil), k.AllowedEndpoints...)
		k.DeniedEndpoints = append([]string(nil), k.DeniedEndpoints...)
		k.PoolRestriction.Accounts = append([]string(nil), k.PoolRestriction.Accounts...)
		out.APIKeys = append(out.APIKeys, k)
	}
	return out
}
