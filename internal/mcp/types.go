// Package mcp resolves the MCP servers injected into each agent invocation.
// Three tiers contribute definitions (the application config file, the
// tenant's cache-backed records, and the request body), merged with fixed
// precedence (request > tenant > application) and validated before use.
package mcp

import "strings"

// Transport is how the agent reaches an MCP server.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportSSE   Transport = "sse"
	TransportHTTP  Transport = "http"
)

// Valid reports whether t is a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportStdio, TransportSSE, TransportHTTP:
		return true
	}
	return false
}

// ServerDef declares one MCP server. Command and Args apply to stdio
// transports; URL and Headers to sse/http.
type ServerDef struct {
	Transport Transport         `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (d ServerDef) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// EffectiveTransport infers the transport when the definition omits it:
// a command implies stdio, a URL implies http.
func (d ServerDef) EffectiveTransport() Transport {
	if d.Transport != "" {
		return d.Transport
	}
	if strings.TrimSpace(d.Command) != "" {
		return TransportStdio
	}
	if strings.TrimSpace(d.URL) != "" {
		return TransportHTTP
	}
	return ""
}

// Clone deep-copies the definition so merge results never alias tier state.
func (d ServerDef) Clone() ServerDef {
	out := d
	out.Args = append([]string(nil), d.Args...)
	out.Headers = cloneMap(d.Headers)
	out.Env = cloneMap(d.Env)
	if d.Enabled != nil {
		v := *d.Enabled
		out.Enabled = &v
	}
	return out
}

// Record is a tenant-tier server as stored in the cache and returned by the
// admin endpoints.
type Record struct {
	Name string `json:"name"`
	ServerDef
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func cloneMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
