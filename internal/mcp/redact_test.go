package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactRecord(t *testing.T) {
	rec := Record{
		Name: "github",
		ServerDef: ServerDef{
			Transport: TransportHTTP,
			URL:       "https://93.184.216.34/mcp",
			Headers: map[string]string{
				"Authorization": "Bearer abc",
				"X-Api-Key":     "k123",
				"Accept":        "application/json",
			},
			Env: map[string]string{
				"GITHUB_TOKEN":  "ghp_x",
				"CLIENT_SECRET": "s3cr3t",
				"MY_PASSWORD":   "hunter2",
				"REGION":        "us-east-1",
			},
		},
	}

	red := RedactRecord(rec)
	assert.Equal(t, Redacted, red.Headers["Authorization"])
	assert.Equal(t, Redacted, red.Headers["X-Api-Key"])
	assert.Equal(t, "application/json", red.Headers["Accept"])
	assert.Equal(t, Redacted, red.Env["GITHUB_TOKEN"])
	assert.Equal(t, Redacted, red.Env["CLIENT_SECRET"])
	assert.Equal(t, Redacted, red.Env["MY_PASSWORD"])
	assert.Equal(t, "us-east-1", red.Env["REGION"])

	// The source record must be untouched.
	assert.Equal(t, "Bearer abc", rec.Headers["Authorization"])
	assert.Equal(t, "ghp_x", rec.Env["GITHUB_TOKEN"])
}
