package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// appConfigFile is the on-disk shape of the application tier:
// {"servers": {"name": {...}}} or a bare {"name": {...}} map.
type appConfigFile struct {
	Servers map[string]ServerDef `json:"servers"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadAppConfig reads the application-tier MCP file once at startup and
// returns an immutable map of validated servers. ${VAR} placeholders in
// string values resolve from the process environment only; an unresolved
// placeholder stays literal with a warning. Invalid servers are skipped,
// never fatal: a bad entry in an operator file must not take the service
// down. A missing file is an empty tier.
func LoadAppConfig(ctx context.Context, path string, log *logger.Logger) (map[string]ServerDef, error) {
	if log == nil {
		log = logger.Default()
	}
	if path == "" {
		return map[string]ServerDef{}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug("mcp application config not present", zap.String("path", path))
		return map[string]ServerDef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mcp config %s: %w", path, err)
	}

	var file appConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mcp config %s: %w", path, err)
	}
	servers := file.Servers
	if servers == nil {
		if err := json.Unmarshal(data, &servers); err != nil {
			return nil, fmt.Errorf("failed to parse mcp config %s: %w", path, err)
		}
	}

	out := make(map[string]ServerDef, len(servers))
	for name, def := range servers {
		def = expandPlaceholders(def, log.WithFields(zap.String("mcp_server", name)))
		if err := ValidateServer(ctx, name, def); err != nil {
			log.Warn("skipping invalid mcp server from application config",
				zap.String("mcp_server", name), zap.Error(err))
			continue
		}
		out[name] = def
	}
	log.Info("loaded mcp application config",
		zap.String("path", path), zap.Int("servers", len(out)))
	return out, nil
}

// expandPlaceholders substitutes ${VAR} from the process environment in
// every string value of the definition. Client-supplied values never reach
// this function; only the application tier is expanded.
func expandPlaceholders(def ServerDef, log *logger.Logger) ServerDef {
	out := def.Clone()
	out.Command = expandString(def.Command, log)
	out.URL = expandString(def.URL, log)
	for i, arg := range out.Args {
		out.Args[i] = expandString(arg, log)
	}
	for k, v := range out.Headers {
		out.Headers[k] = expandString(v, log)
	}
	for k, v := range out.Env {
		out.Env[k] = expandString(v, log)
	}
	return out
}

func expandString(s string, log *logger.Logger) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderRe.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		log.Warn("unresolved placeholder in mcp config", zap.String("variable", name))
		return match
	})
}
