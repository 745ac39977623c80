// Package registry authenticates the node against configured container
// registries at startup so algorithm image pulls from private registries
// succeed.
package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/container"
	"github.com/vantage6/node/internal/log"
)

// LoginAll logs in to every configured registry, logging and continuing
// past failures: a single bad credential shouldn't prevent the node from
// starting and serving algorithms hosted on registries that do work.
func LoginAll(ctx context.Context, rt container.Runtime, registries []config.RegistryConfig) {
	for _, r := range registries {
		attemptID := uuid.NewString()
		if err := rt.RegistryLogin(ctx, r.Server, r.Username, r.Password); err != nil {
			log.Warn("registry login failed", "registry", r.Server, "attempt", attemptID, "error", err)
			continue
		}
		log.Info("registry login succeeded", "registry", r.Server, "attempt", attemptID)
	}
}
