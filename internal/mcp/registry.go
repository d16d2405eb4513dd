package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/logger"
)

// Registry manages the tenant tier: cache-backed server records scoped by
// the tenant hash. The key layout (mcp_server:{hash}:{name} plus an index
// set per tenant) makes cross-tenant reads impossible by construction.
type Registry struct {
	cache  cache.Cache
	logger *logger.Logger
}

// NewRegistry creates a tenant-tier registry.
func NewRegistry(c cache.Cache, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		cache:  c,
		logger: log.WithFields(zap.String("component", "mcp-registry")),
	}
}

// Put validates and stores one server record for the tenant.
func (r *Registry) Put(ctx context.Context, ownerHash string, rec Record) error {
	if err := ValidateServer(ctx, rec.Name, rec.ServerDef); err != nil {
		return err
	}
	if err := r.cache.SetJSON(ctx, cache.MCPServerKey(ownerHash, rec.Name), rec, 0); err != nil {
		return fmt.Errorf("failed to store mcp server: %w", err)
	}
	if err := r.cache.AddToSet(ctx, cache.MCPServerIndexKey(ownerHash), rec.Name, 0); err != nil {
		return fmt.Errorf("failed to index mcp server: %w", err)
	}
	return nil
}

// Get returns one record, or (nil, nil) when the name is not configured.
func (r *Registry) Get(ctx context.Context, ownerHash, name string) (*Record, error) {
	var rec Record
	hit, err := r.cache.GetJSON(ctx, cache.MCPServerKey(ownerHash, name), &rec)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, nil
	}
	return &rec, nil
}

// List returns every record the tenant has configured, via the index set
// and one MGET. Dangling index entries are pruned as they are found.
func (r *Registry) List(ctx context.Context, ownerHash string) ([]Record, error) {
	names, err := r.cache.SetMembers(ctx, cache.MCPServerIndexKey(ownerHash))
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = cache.MCPServerKey(ownerHash, name)
	}
	blobs, err := r.cache.GetManyJSON(ctx, keys)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(blobs))
	for i, blob := range blobs {
		if blob == nil {
			_ = r.cache.RemoveFromSet(ctx, cache.MCPServerIndexKey(ownerHash), names[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			r.logger.Warn("discarding corrupt mcp server record",
				zap.String("name", names[i]), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes one record and its index entry. Deleting an unknown name
// is a no-op.
func (r *Registry) Delete(ctx context.Context, ownerHash, name string) error {
	if err := r.cache.Delete(ctx, cache.MCPServerKey(ownerHash, name)); err != nil {
		return err
	}
	return r.cache.RemoveFromSet(ctx, cache.MCPServerIndexKey(ownerHash), name)
}

// Defs returns the tenant's enabled servers as a name→definition map for
// the merge.
func (r *Registry) Defs(ctx context.Context, ownerHash string) (map[string]ServerDef, error) {
	records, err := r.List(ctx, ownerHash)
	if err != nil {
		return nil, err
	}
	defs := make(map[string]ServerDef, len(records))
	for _, rec := range records {
		if rec.IsEnabled() {
			defs[rec.Name] = rec.ServerDef
		}
	}
	return defs, nil
}
