package runner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentd/agentd/pkg/agentstream"
	v1 "github.com/agentd/agentd/pkg/api/v1"
)

func TestMapInitEventAlwaysCarriesServers(t *testing.T) {
	ev := mapInitEvent("s1", &agentstream.AgentMessage{Model: "m1"})
	data, ok := ev.Data.(v1.InitEvent)
	require.True(t, ok)
	assert.NotNil(t, data.MCPServers, "empty list, not null, so opt-out is observable")
	assert.Empty(t, data.MCPServers)
}

func TestMapPartialEvent(t *testing.T) {
	msg := &agentstream.AgentMessage{
		Type:  agentstream.MessageTypeStreamEvent,
		Event: json.RawMessage(`{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"par"}}`),
	}
	ev, ok := mapPartialEvent(msg)
	require.True(t, ok)
	data := ev.Data.(v1.PartialEvent)
	assert.Equal(t, 2, data.Index)
	assert.Equal(t, "text_delta", data.Type)
	assert.Equal(t, "par", data.Text)

	// Non-delta frames are dropped.
	msg.Event = json.RawMessage(`{"type":"message_start"}`)
	_, ok = mapPartialEvent(msg)
	assert.False(t, ok)
}

func TestMapMessageEventContentNeverNull(t *testing.T) {
	ev := mapMessageEvent("assistant", &agentstream.AgentMessage{UUID: "u1"})
	data := ev.Data.(v1.MessageEvent)
	assert.NotNil(t, data.Content)
	assert.Equal(t, "u1", data.UUID)
}

func TestMapResultEvent(t *testing.T) {
	msg := &agentstream.AgentMessage{
		Type:         agentstream.MessageTypeResult,
		IsError:      true,
		NumTurns:     4,
		DurationMS:   900,
		TotalCostUSD: 0.2,
		Result:       "boom",
		StopReason:   "max_turns",
	}
	ev := mapResultEvent("s1", msg)
	data := ev.Data.(v1.ResultEvent)
	assert.Equal(t, "s1", data.SessionID)
	assert.True(t, data.IsError)
	assert.Equal(t, 4, data.NumTurns)
	assert.Equal(t, "max_turns", data.StopReason)
}
