package models

import "time"

// Tenant is one remotely hosted automation instance kept in sync with the store.
type Tenant struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	BaseURL     string     `json:"base_url" yaml:"base_url"`
	APIKey      string     `json:"-" yaml:"api_key"`
	SyncEnabled bool       `json:"sync_enabled" yaml:"sync_enabled"`
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty" yaml:"-"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

// DisplayName returns the tenant name, falling back to its id.
func (t *Tenant) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}
