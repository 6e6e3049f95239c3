// Package capability resolves how well a platform plugin supports an
// operation, based on declarative contracts.
package capability

import (
	"context"

	"storefront-sync/internal/models"
)

// Store is the read-only lookup surface.
type Store interface {
	GetContract(ctx context.Context, pluginID, capability string) (models.PluginContract, bool, error)
}

// Resolver maps (platform, capability) to a support level.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Support is the resolved level plus a human-readable reason.
type Support struct {
	Level       string `json:"level"`
	Description string `json:"description"`
}

// Resolve returns the declared support level for a platform capability.
// Absence of a contract is unsupported: routing fails closed.
func (r *Resolver) Resolve(ctx context.Context, platform, capability string) (Support, error) {
	c, found, err := r.store.GetContract(ctx, platform, capability)
	if err != nil {
		return Support{}, err
	}
	if !found {
		return Support{
			Level:       models.LevelUnsupported,
			Description: "no contract declared for " + capability,
		}, nil
	}
	return Support{Level: c.Level, Description: c.Description}, nil
}
