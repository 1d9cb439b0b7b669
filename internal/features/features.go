package features

import (
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags. Unknown flags read as disabled.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled.
func (m *Manager) IsEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	return exists && flag.Enabled
}

// Set switches a registered flag and reports whether it exists.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if exists {
		flag.Enabled = enabled
	}
	return exists
}

// All returns a copy of every flag, sorted by name.
func (m *Manager) All() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Runtime kill switches consulted by the validation engine on top of the
// platform capability checks.
const (
	// LocalValidation enables the offline receipt check.
	LocalValidation = "local_validation"
	// RemoteValidation enables submission to the validation service.
	RemoteValidation = "remote_validation"
	// InventorySync enables inventory fetches.
	InventorySync = "inventory_sync"
)

// Defaults returns a manager with the engine flags registered.
func Defaults(local, remote, inventory bool) *Manager {
	m := NewManager()
	m.Register(LocalValidation, local, "validate receipts offline before submitting them")
	m.Register(RemoteValidation, remote, "submit receipts to the validation service")
	m.Register(InventorySync, inventory, "fetch the entitlement inventory from the validation service")
	return m
}
