package apikey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashIsHexSHA256(t *testing.T) {
	h := Hash("secret-key")
	assert.Len(t, h, 64)
	// Stable digest: identity comparisons depend on it never changing.
	assert.Equal(t, h, Hash("secret-key"))
	assert.NotEqual(t, h, Hash("secret-key2"))
}

func TestMatchesKey(t *testing.T) {
	h := Hash("tenant-a")
	assert.True(t, MatchesKey(h, "tenant-a"))
	assert.False(t, MatchesKey(h, "tenant-b"))
	assert.False(t, MatchesKey("", "tenant-a"))
}
