package repository

import (
	"context"
	"time"
)

// DeviceState is the last known lifecycle state of a tenant's device.
type DeviceState struct {
	Tenant    string    `json:"tenant"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceRepository mirrors device status updates locally.
type DeviceRepository interface {
	Save(ctx context.Context, state DeviceState) error

	// Get returns nil, nil when the tenant has no recorded state.
	Get(ctx context.Context, tenant string) (*DeviceState, error)

	List(ctx context.Context) ([]DeviceState, error)
}
