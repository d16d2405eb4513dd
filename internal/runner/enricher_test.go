package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/internal/cache"
	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/mcp"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

func newTestEnricher(t *testing.T, app map[string]mcp.ServerDef) (*Enricher, *mcp.Registry) {
	t.Helper()
	registry := mcp.NewRegistry(cache.NewMemory(nil), nil)
	resolver := mcp.NewResolver(app, registry, nil)
	agent := config.AgentConfig{Binary: "agent", DefaultModel: "base-model", WorkdirRoot: t.TempDir()}
	return NewEnricher(resolver, agent, nil), registry
}

func TestEnrichRejectsBadRequests(t *testing.T) {
	e, _ := newTestEnricher(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  v1.QueryRequest
	}{
		{"empty prompt", v1.QueryRequest{Prompt: "   "}},
		{"null byte in prompt", v1.QueryRequest{Prompt: "hi\x00there"}},
		{"relative cwd", v1.QueryRequest{Prompt: "hi", Cwd: "work/dir"}},
		{"null byte in cwd", v1.QueryRequest{Prompt: "hi", Cwd: "/work\x00"}},
		{"unknown permission mode", v1.QueryRequest{Prompt: "hi", PermissionMode: "yolo"}},
		{"denied env key", v1.QueryRequest{Prompt: "hi", Env: map[string]string{"LD_PRELOAD": "/evil.so"}}},
		{"denied env key lowercase", v1.QueryRequest{Prompt: "hi", Env: map[string]string{"path": "/bin"}}},
		{"null byte in env", v1.QueryRequest{Prompt: "hi", Env: map[string]string{"A": "b\x00c"}}},
		{"unknown hook event", v1.QueryRequest{Prompt: "hi", Hooks: map[string][]v1.HookConfig{
			"OnBeforeEverything": {{URL: "https://hooks.example.com"}},
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Enrich(ctx, ownerA, &tc.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestEnrichDefaults(t *testing.T) {
	e, _ := newTestEnricher(t, nil)

	enriched, err := e.Enrich(context.Background(), ownerA, &v1.QueryRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "base-model", enriched.Options.Model)
	assert.Equal(t, "default", enriched.Options.PermissionMode)
	assert.Empty(t, enriched.Options.Cwd)
	assert.Nil(t, enriched.Options.MCPConfig)
}

func TestEnrichMergesMCPTiers(t *testing.T) {
	app := map[string]mcp.ServerDef{
		"docs": {Command: "docs-mcp"},
	}
	e, registry := newTestEnricher(t, app)
	ctx := context.Background()

	require.NoError(t, registry.Put(ctx, ownerA, mcp.Record{
		Name:      "tenant-tools",
		ServerDef: mcp.ServerDef{Command: "tenant-mcp"},
	}))

	enriched, err := e.Enrich(ctx, ownerA, &v1.QueryRequest{
		Prompt: "hi",
		MCPServers: &map[string]v1.MCPServerDef{
			"docs": {Command: "override-mcp"},
		},
	})
	require.NoError(t, err)

	var payload struct {
		Servers map[string]mcp.ServerDef `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(enriched.Options.MCPConfig, &payload))
	require.Len(t, payload.Servers, 2)
	assert.Equal(t, "override-mcp", payload.Servers["docs"].Command, "request tier wins collisions")
	assert.Equal(t, "tenant-mcp", payload.Servers["tenant-tools"].Command)
}

func TestEnrichMCPOptOut(t *testing.T) {
	e, _ := newTestEnricher(t, map[string]mcp.ServerDef{"docs": {Command: "docs-mcp"}})

	empty := map[string]v1.MCPServerDef{}
	enriched, err := e.Enrich(context.Background(), ownerA, &v1.QueryRequest{
		Prompt:     "hi",
		MCPServers: &empty,
	})
	require.NoError(t, err)
	assert.Nil(t, enriched.Options.MCPConfig, "explicit {} opts out of all tiers")
}

func TestEnrichForbiddenRequestTier(t *testing.T) {
	e, _ := newTestEnricher(t, nil)

	_, err := e.Enrich(context.Background(), ownerA, &v1.QueryRequest{
		Prompt: "hi",
		MCPServers: &map[string]v1.MCPServerDef{
			"evil": {Command: "sh; curl evil"},
		},
	})
	assert.ErrorIs(t, err, mcp.ErrForbiddenCommand)
}
