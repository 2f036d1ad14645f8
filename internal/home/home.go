// Package home is the boundary to the smart-home control plane. The
// kernel only ever sees the Client interface; the REST client talks to
// the runtime's HTTP API.
package home

import (
	"context"
	"encoding/json"
	"time"
)

// EntityState is the live state of one entity.
type EntityState struct {
	EntityID     string         `json:"entity_id"`
	State        string         `json:"state"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Area         string         `json:"area,omitempty"`
	DeviceClass  string         `json:"device_class,omitempty"`
	Unit         string         `json:"unit_of_measurement,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	LastChanged  time.Time      `json:"last_changed"`
}

// StateChange is one point of an entity's history.
type StateChange struct {
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// Automation is a registered automation on the control plane.
type Automation struct {
	ID       string `json:"id"`
	Alias    string `json:"alias"`
	Enabled  bool   `json:"enabled"`
	LastRun  string `json:"last_triggered,omitempty"`
}

// Client is everything the kernel needs from the control plane.
type Client interface {
	// GetState returns the current state of one entity.
	GetState(ctx context.Context, entityID string) (*EntityState, error)

	// ListEntities returns entities, optionally filtered by domain and area.
	ListEntities(ctx context.Context, domain, area string) ([]EntityState, error)

	// CallService invokes a service on the control plane.
	CallService(ctx context.Context, domain, service string, data map[string]any) (json.RawMessage, error)

	// History returns state changes for an entity within [start, end].
	History(ctx context.Context, entityID string, start, end time.Time) ([]StateChange, error)

	// Registry returns a full entity snapshot for the RAG indexer.
	Registry(ctx context.Context) ([]EntityState, error)

	// CreateAutomation registers an automation from its YAML definition
	// and returns its id.
	CreateAutomation(ctx context.Context, yamlDef string) (string, error)

	// ListAutomations returns the registered automations.
	ListAutomations(ctx context.Context) ([]Automation, error)

	// TriggerAutomation fires an automation immediately.
	TriggerAutomation(ctx context.Context, id string) error

	// CreateDashboard registers a dashboard from its YAML definition and
	// returns its id.
	CreateDashboard(ctx context.Context, yamlDef string) (string, error)
}
