// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keys issues API keys and evaluates their endpoint rules.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/model"
)

// KeyPrefix starts every generated key.
const KeyPrefix = "pk_"

// KeyLength is the total length of a generated key.
const KeyLength = len(KeyPrefix) + 32

// Persister stores the full key set after every mutation.
type Persister interface {
	SaveKeys(keys []model.APIKey) error
}

// CreateRequest describes a new key. Zero values pick the defaults:
// blacklist access mode, an unrestricted pool and enabled.
type CreateRequest struct {
	Name             string
	AccessMode       model.AccessMode
	AllowedEndpoints []string
	DeniedEndpoints  []string
	PoolRestriction  *model.PoolRestriction
	Enabled          *bool
}

// Update changes only the fields that are set.
type Update struct {
	AccessMode       *model.AccessMode
	AllowedEndpoints *[]string
	DeniedEndpoints  *[]string
	PoolRestriction  *model.PoolRestriction
	Enabled          *bool
}

// Manager holds the key set. Readers get copies; writers persist through
// the Persister and roll back when saving fails.
type Manager struct {
	mu       sync.RWMutex
	order    []string
	byName   map[string]model.APIKey
	bySecret map[string]string
	store    Persister
	now      func() time.Time
	generate func() (string, error)
}

// NewManager loads existing keys. It fails on duplicate names or secrets.
func NewManager(existing []model.APIKey, store Persister) (*Manager, error) {
	m := &Manager{
		byName:   make(map[string]model.APIKey, len(existing)),
		bySecret: make(map[string]string, len(existing)),
		store:    store,
		now:      time.Now,
		generate: GenerateKey,
	}
	for _, k := range existing {
		if _, ok := m.byName[k.Name]; ok {
			return nil, errs.DuplicateName("api key", k.Name)
		}
		if _, ok := m.bySecret[k.Key]; ok {
			return nil, errs.Validation("api key %q reuses another key's secret", k.Name)
		}
		m.byName[k.Name] = k.Clone()
		m.bySecret[k.Key] = k.Name
		m.order = append(m.order, k.Name)
	}
	return m, nil
}

// GenerateKey returns pk_ followed by 32 random lowercase hex characters.
func GenerateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// MaskKey shortens a key for listings.
func MaskKey(key string) string {
	if len(key) <= 14 {
		return key
	}
	return key[:10] + "..." + key[len(key)-4:]
}

type state struct {
	order    []string
	byName   map[string]model.APIKey
	bySecret map[string]string
}

func (m *Manager) save() state {
	s := state{
		order:    append([]string(nil), m.order...),
		byName:   make(map[string]model.APIKey, len(m.byName)),
		bySecret: make(map[string]string, len(m.bySecret)),
	}
	for k, v := range m.byName {
		s.byName[k] = v
	}
	for k, v := range m.bySecret {
		s.bySecret[k] = v
	}
	return s
}

func (m *Manager) restore(s state) {
	m.order, m.byName, m.bySecret = s.order, s.byName, s.bySecret
}

// persist must be called with mu held for writing.
func (m *Manager) persist(prev state) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveKeys(m.listLocked()); err != nil {
		m.restore(prev)
		return err
	}
	return nil
}

func validateModes(mode model.AccessMode, r *model.PoolRestriction) error {
	if !mode.Valid() {
		return errs.Validation("invalid access mode %q", mode)
	}
	if r != nil && !r.Mode.Valid() {
		return errs.Validation("invalid pool restriction mode %q", r.Mode)
	}
	return nil
}

// Create issues a new key.
func (m *Manager) Create(req CreateRequest) (model.APIKey, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return model.APIKey{}, errs.Validation("key name is required")
	}
	mode := req.AccessMode
	if mode == "" {
		mode = model.AccessBlacklist
	}
	if err := validateModes(mode, req.PoolRestriction); err != nil {
		return model.APIKey{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[name]; ok {
		return model.APIKey{}, errs.DuplicateName("api key", name)
	}
	var secret string
	for {
		s, err := m.generate()
		if err != nil {
			return model.APIKey{}, err
		}
		if _, taken := m.bySecret[s]; !taken {
			secret = s
			break
		}
	}

	k := model.APIKey{
		Name:             name,
		Key:              secret,
		AccessMode:       mode,
		AllowedEndpoints: append([]string{}, req.AllowedEndpoints...),
		DeniedEndpoints:  append([]string{}, req.DeniedEndpoints...),
		PoolRestriction:  model.PoolRestriction{Mode: model.PoolAll},
		Enabled:          true,
		CreatedAt:        m.now().UTC(),
	}
	if req.PoolRestriction != nil {
		k.PoolRestriction = req.PoolRestriction.Clone()
	}
	if req.Enabled != nil {
		k.Enabled = *req.Enabled
	}

	prev := m.save()
	m.byName[name] = k
	m.bySecret[secret] = name
	m.order = append(m.order, name)
	if err := m.persist(prev); err != nil {
		return model.APIKey{}, err
	}
	return k.Clone(), nil
}

// Update applies the set fields of u to the named key.
func (m *Manager) Update(name string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byName[name]
	if !ok {
		return errs.NotFound("api key", name)
	}
	k = k.Clone()
	if u.AccessMode != nil {
		k.AccessMode = *u.AccessMode
	}
	if u.AllowedEndpoints != nil {
		k.AllowedEndpoints = append([]string{}, (*u.AllowedEndpoints)...)
	}
	if u.DeniedEndpoints != nil {
		k.DeniedEndpoints = append([]string{}, (*u.DeniedEndpoints)...)
	}
	if u.PoolRestriction != nil {
		k.PoolRestriction = u.PoolRestriction.Clone()
	}
	if u.Enabled != nil {
		k.Enabled = *u.Enabled
	}
	if err := validateModes(k.AccessMode, &k.PoolRestriction); err != nil {
		return err
	}
	prev := m.save()
	m.byName[name] = k
	return m.persist(prev)
}

// Delete removes the named key. Deleting an absent key is NotFound every time.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.byName[name]
	if !ok {
		return errs.NotFound("api key", name)
	}
	prev := m.save()
	delete(m.byName, name)
	delete(m.bySecret, k.Key)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return m.persist(prev)
}

// Replace swaps the whole key set, as a restore does.
func (m *Manager) Replace(keys []model.APIKey) error {
	fresh, err := NewManager(keys, nil)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.save()
	m.restore(state{order: fresh.order, byName: fresh.byName, bySecret: fresh.bySecret})
	return m.persist(prev)
}

// Authenticate resolves the key value. The returned key is only meaningful
// when the decision allows the request.
func (m *Manager) Authenticate(value string) (model.APIKey, Decision) {
	m.mu.RLock()
	name, ok := m.bySecret[value]
	var k model.APIKey
	if ok {
		k = m.byName[name].Clone()
	}
	m.mu.RUnlock()
	if !ok || value == "" {
		return model.APIKey{}, deny(ReasonInvalidKey, "", "")
	}
	if !k.Enabled {
		return model.APIKey{}, deny(ReasonKeyDisabled, k.Name, "")
	}
	return k, allow(k, "")
}

// Authorize evaluates k's endpoint rules against path.
func Authorize(k model.APIKey, path string) Decision {
	endpoint := NormalizePath(path)
	switch k.AccessMode {
	case model.AccessWhitelist:
		if !matchAny(k.AllowedEndpoints, path) {
			return deny(ReasonNotWhitelisted, k.Name, endpoint)
		}
	default:
		if matchAny(k.DeniedEndpoints, path) {
			return deny(ReasonEndpointDenied, k.Name, endpoint)
		}
	}
	return allow(k, endpoint)
}

// Authorize is the method form of the package-level Authorize.
func (m *Manager) Authorize(k model.APIKey, path string) Decision {
	return Authorize(k, path)
}

// CheckAccess runs both stages.
func (m *Manager) CheckAccess(value, path string) Decision {
	k, d := m.Authenticate(value)
	if !d.Allowed {
		return d
	}
	return Authorize(k, path)
}

func (m *Manager) listLocked() []model.APIKey {
	out := make([]model.APIKey, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.byName[n].Clone())
	}
	return out
}

// List returns copies of every key in creation order.
func (m *Manager) List() []model.APIKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked()
}

// Get returns a copy of the named key.
func (m *Manager) Get(name string) (model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.byName[name]
	if !ok {
		return model.APIKey{}, errs.NotFound("api key", name)
	}
	return k.Clone(), nil
}

// Lookup finds a key by its secret value.
func (m *Manager) Lookup(value string) (model.APIKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.bySecret[value]
	if !ok {
		return model.APIKey{}, false
	}
	return m.byName[name].Clone(), true
}

// Len returns the number of keys.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}
