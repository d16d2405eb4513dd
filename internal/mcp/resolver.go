package mcp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// Resolver performs the three-tier merge. The application tier is an
// immutable value fixed at startup; the tenant tier is read per request;
// the request tier arrives on the query body.
type Resolver struct {
	app      map[string]ServerDef
	registry *Registry
	logger   *logger.Logger
}

// NewResolver creates a resolver over the loaded application tier and the
// tenant registry.
func NewResolver(app map[string]ServerDef, registry *Registry, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	if app == nil {
		app = map[string]ServerDef{}
	}
	return &Resolver{
		app:      app,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "mcp-resolver")),
	}
}

// Resolve merges the tiers for one invocation. requestTier carries the
// query body's mcp_servers field; requestPresent distinguishes an absent
// field (merge the server-side tiers) from a present-but-empty map (the
// explicit opt-out: no servers at all).
//
// Same-name collisions are full replacements, never deep merges. Every
// request-tier server is validated here and a failure aborts the request;
// server-side tiers were validated at load/store time but are re-checked
// so a record predating a policy tightening cannot sneak through.
func (r *Resolver) Resolve(ctx context.Context, ownerHash string, requestTier map[string]ServerDef, requestPresent bool) (map[string]ServerDef, error) {
	if requestPresent && len(requestTier) == 0 {
		return map[string]ServerDef{}, nil
	}

	merged := make(map[string]ServerDef)
	for name, def := range r.app {
		if !def.IsEnabled() {
			continue
		}
		if err := ValidateServer(ctx, name, def); err != nil {
			r.logger.Warn("skipping application-tier mcp server",
				zap.String("name", name), zap.Error(err))
			continue
		}
		merged[name] = def.Clone()
	}

	if r.registry != nil && ownerHash != "" {
		tenantDefs, err := r.registry.Defs(ctx, ownerHash)
		if err != nil {
			// The cache is not authoritative; a read failure costs the
			// tenant tier for this request, not the request itself.
			r.logger.WithContext(ctx).Warn("failed to load tenant mcp servers", zap.Error(err))
		} else {
			for name, def := range tenantDefs {
				if err := ValidateServer(ctx, name, def); err != nil {
					r.logger.Warn("skipping tenant-tier mcp server",
						zap.String("name", name), zap.Error(err))
					continue
				}
				merged[name] = def.Clone()
			}
		}
	}

	for name, def := range requestTier {
		if !def.IsEnabled() {
			delete(merged, name)
			continue
		}
		if err := ValidateServer(ctx, name, def); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", name, err)
		}
		merged[name] = def.Clone()
	}

	return merged, nil
}
