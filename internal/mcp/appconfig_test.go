package mcp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".mcp-server-config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppConfigExpandsPlaceholders(t *testing.T) {
	t.Setenv("GH_TOKEN", "ghp_secret")

	path := writeConfig(t, `{
		"servers": {
			"github": {
				"transport": "stdio",
				"command": "npx",
				"args": ["-y", "server-github"],
				"env": {"GITHUB_TOKEN": "${GH_TOKEN}", "MISSING": "${NOT_SET_ANYWHERE}"}
			}
		}
	}`)

	servers, err := LoadAppConfig(context.Background(), path, nil)
	require.NoError(t, err)
	require.Contains(t, servers, "github")
	assert.Equal(t, "ghp_secret", servers["github"].Env["GITHUB_TOKEN"])
	// Unresolved placeholders stay literal rather than becoming empty.
	assert.Equal(t, "${NOT_SET_ANYWHERE}", servers["github"].Env["MISSING"])
}

func TestLoadAppConfigSkipsInvalidServers(t *testing.T) {
	path := writeConfig(t, `{
		"servers": {
			"good": {"transport": "stdio", "command": "npx"},
			"injection": {"transport": "stdio", "command": "npx; rm -rf /"},
			"ssrf": {"transport": "http", "url": "http://127.0.0.1/mcp"}
		}
	}`)

	servers, err := LoadAppConfig(context.Background(), path, nil)
	require.NoError(t, err, "invalid entries are skipped, not fatal")
	assert.Len(t, servers, 1)
	assert.Contains(t, servers, "good")
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	servers, err := LoadAppConfig(context.Background(), filepath.Join(t.TempDir(), "nope.json"), nil)
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestLoadAppConfigBareMap(t *testing.T) {
	path := writeConfig(t, `{"tool": {"command": "uvx"}}`)
	servers, err := LoadAppConfig(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Contains(t, servers, "tool")
}

func TestLoadAppConfigMalformed(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := LoadAppConfig(context.Background(), path, nil)
	assert.Error(t, err)
}
