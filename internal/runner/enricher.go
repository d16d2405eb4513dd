package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/config"
	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/hooks"
	"github.com/agentd/agentd/internal/mcp"
	"github.com/agentd/agentd/pkg/agentstream"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

// Permission modes the runtime understands.
var permissionModes = map[string]struct{}{
	"default":           {},
	"acceptEdits":       {},
	"bypassPermissions": {},
	"plan":              {},
}

// ValidPermissionMode reports whether the runtime understands mode.
func ValidPermissionMode(mode string) bool {
	_, ok := permissionModes[mode]
	return ok
}

// deniedEnvKeys are loader-control variables a request may not inject into
// the runtime subprocess.
var deniedEnvKeys = map[string]struct{}{
	"LD_PRELOAD":      {},
	"LD_LIBRARY_PATH": {},
	"PATH":            {},
}

// Enriched is a query request after validation, MCP resolution, and
// defaulting, ready to start a runtime invocation.
type Enriched struct {
	Options       agentstream.Options
	Hooks         map[hooks.Event][]hooks.Config
	Checkpointing bool
}

// Enricher turns raw query requests into runnable invocations. All request
// validation lives here so the runner state machine only sees safe input.
type Enricher struct {
	resolver *mcp.Resolver
	agent    config.AgentConfig
	logger   *logger.Logger
}

func NewEnricher(resolver *mcp.Resolver, agent config.AgentConfig, log *logger.Logger) *Enricher {
	if log == nil {
		log = logger.Default()
	}
	return &Enricher{
		resolver: resolver,
		agent:    agent,
		logger:   log.WithFields(zap.String("component", "enricher")),
	}
}

// Enrich validates req for the given tenant and builds the runtime options.
// MCP validation failures keep their own sentinels (forbidden command/URL);
// everything else wraps ErrValidation.
func (e *Enricher) Enrich(ctx context.Context, ownerHash string, req *v1.QueryRequest) (*Enriched, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if err := checkNullBytes("prompt", req.Prompt); err != nil {
		return nil, err
	}

	cwd := req.Cwd
	if cwd != "" {
		if err := checkNullBytes("cwd", cwd); err != nil {
			return nil, err
		}
		if !filepath.IsAbs(cwd) {
			return nil, fmt.Errorf("%w: cwd must be an absolute path", ErrValidation)
		}
	}

	env, err := validateEnv(req.Env)
	if err != nil {
		return nil, err
	}

	mode := req.PermissionMode
	if mode == "" {
		mode = "default"
	}
	if _, ok := permissionModes[mode]; !ok {
		return nil, fmt.Errorf("%w: unknown permission mode %q", ErrValidation, req.PermissionMode)
	}

	model := req.Model
	if model == "" {
		model = e.agent.DefaultModel
	}

	hookConfigs, err := convertHooks(req.Hooks)
	if err != nil {
		return nil, err
	}

	mcpConfig, err := e.resolveMCP(ctx, ownerHash, req)
	if err != nil {
		return nil, err
	}

	return &Enriched{
		Options: agentstream.Options{
			Binary:                 e.agent.Binary,
			Cwd:                    cwd,
			Env:                    env,
			Model:                  model,
			SystemPrompt:           req.SystemPrompt,
			AppendSystemPrompt:     req.AppendSystemPrompt,
			PermissionMode:         mode,
			AllowedTools:           req.AllowedTools,
			DisallowedTools:        req.DisallowedTools,
			MaxTurns:               req.MaxTurns,
			MCPConfig:              mcpConfig,
			Checkpointing:          req.Checkpointing,
			IncludePartialMessages: req.IncludePartialMessages,
			OutputSchema:           req.OutputSchema,
		},
		Hooks:         hookConfigs,
		Checkpointing: req.Checkpointing,
	}, nil
}

// resolveMCP runs the three-tier merge and renders the runtime's
// --mcp-config payload. A present-but-empty request tier opts out entirely.
func (e *Enricher) resolveMCP(ctx context.Context, ownerHash string, req *v1.QueryRequest) (json.RawMessage, error) {
	var requestTier map[string]mcp.ServerDef
	requestPresent := req.MCPServers != nil
	if requestPresent {
		requestTier = make(map[string]mcp.ServerDef, len(*req.MCPServers))
		for name, def := range *req.MCPServers {
			requestTier[name] = mcp.ServerDef{
				Transport: mcp.Transport(def.Transport),
				Command:   def.Command,
				Args:      def.Args,
				URL:       def.URL,
				Headers:   def.Headers,
				Env:       def.Env,
				Enabled:   def.Enabled,
			}
		}
	}

	merged, err := e.resolver.Resolve(ctx, ownerHash, requestTier, requestPresent)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(map[string]any{"servers": merged})
	if err != nil {
		return nil, fmt.Errorf("failed to render mcp config: %w", err)
	}
	return payload, nil
}

func convertHooks(in map[string][]v1.HookConfig) (map[hooks.Event][]hooks.Config, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[hooks.Event][]hooks.Config, len(in))
	for name, configs := range in {
		event := hooks.Event(name)
		if !event.Valid() {
			return nil, fmt.Errorf("%w: unknown hook event %q", ErrValidation, name)
		}
		for _, cfg := range configs {
			out[event] = append(out[event], hooks.Config{
				URL:            cfg.URL,
				Headers:        cfg.Headers,
				Matcher:        cfg.Matcher,
				TimeoutSeconds: cfg.TimeoutSeconds,
			})
		}
	}
	return out, nil
}

func validateEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if err := checkNullBytes("env", k+v); err != nil {
			return nil, err
		}
		if _, denied := deniedEnvKeys[strings.ToUpper(k)]; denied {
			return nil, fmt.Errorf("%w: env key %q is not permitted", ErrValidation, k)
		}
		out[k] = v
	}
	return out, nil
}

func checkNullBytes(field, s string) error {
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: %s contains a null byte", ErrValidation, field)
	}
	return nil
}
