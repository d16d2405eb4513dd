package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decisionServer(t *testing.T, resp Response) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload.HookEvent)
		assert.NotEmpty(t, payload.SessionID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDispatcher(t *testing.T, regs map[Event][]Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(NewWebhookClient(nil), regs, nil)
	require.NoError(t, err)
	return d
}

func TestPreToolUseAllowWithModifiedInput(t *testing.T) {
	srv := decisionServer(t, Response{
		Decision:      DecisionAllow,
		ModifiedInput: map[string]any{"file_path": "/tmp/safe.txt"},
	})
	d := newDispatcher(t, map[Event][]Config{
		PreToolUse: {{URL: srv.URL}},
	})

	out := d.Dispatch(context.Background(), PreToolUse, &Payload{
		SessionID: "s1", ToolName: "Write",
		ToolInput: map[string]any{"file_path": "/etc/passwd"},
	})
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, "/tmp/safe.txt", out.ModifiedInput["file_path"])
}

func TestPreToolUseDenyShortCircuits(t *testing.T) {
	var secondCalled atomic.Bool
	deny := decisionServer(t, Response{Decision: DecisionDeny, Reason: "not allowed"})
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled.Store(true)
		_ = json.NewEncoder(w).Encode(Response{Decision: DecisionAllow})
	}))
	t.Cleanup(second.Close)

	d := newDispatcher(t, map[Event][]Config{
		PreToolUse: {{URL: deny.URL}, {URL: second.URL}},
	})
	out := d.Dispatch(context.Background(), PreToolUse, &Payload{SessionID: "s1", ToolName: "Bash"})
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, "not allowed", out.Reason)
	assert.False(t, secondCalled.Load(), "deny must short-circuit later hooks")
}

func TestPreToolUseFailsClosed(t *testing.T) {
	cases := map[string]func(t *testing.T) string{
		"unreachable": func(t *testing.T) string {
			// A closed server: connection refused.
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			srv.Close()
			return srv.URL
		},
		"http 500": func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		},
		"invalid json": func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		},
		"unknown decision": func(t *testing.T) string {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"decision":"maybe"}`))
			}))
			t.Cleanup(srv.Close)
			return srv.URL
		},
	}

	for name, mkURL := range cases {
		t.Run(name, func(t *testing.T) {
			d := newDispatcher(t, map[Event][]Config{
				PreToolUse: {{URL: mkURL(t)}},
			})
			out := d.Dispatch(context.Background(), PreToolUse, &Payload{SessionID: "s1", ToolName: "Write"})
			assert.Equal(t, DecisionDeny, out.Decision)
			assert.NotEmpty(t, out.Reason)
			assert.Error(t, out.Err)
		})
	}
}

func TestObservationalEventsFailOpen(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	for _, event := range []Event{PostToolUse, UserPromptSubmit, Stop, SubagentStop, PreCompact, Notification} {
		t.Run(string(event), func(t *testing.T) {
			d := newDispatcher(t, map[Event][]Config{
				event: {{URL: dead.URL}},
			})
			out := d.Dispatch(context.Background(), event, &Payload{SessionID: "s1"})
			assert.Equal(t, DecisionAllow, out.Decision)
		})
	}
}

func TestMatcherSkipsNonMatchingTools(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(Response{Decision: DecisionDeny})
	}))
	t.Cleanup(srv.Close)

	d := newDispatcher(t, map[Event][]Config{
		PreToolUse: {{URL: srv.URL, Matcher: "^(Write|Edit)$"}},
	})

	out := d.Dispatch(context.Background(), PreToolUse, &Payload{SessionID: "s1", ToolName: "Read"})
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Zero(t, calls.Load())

	out = d.Dispatch(context.Background(), PreToolUse, &Payload{SessionID: "s1", ToolName: "Write"})
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTimeoutClampAndDefault(t *testing.T) {
	h, err := newHook(Config{URL: "http://example.invalid"})
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, h.timeout)

	h, err = newHook(Config{URL: "http://example.invalid", TimeoutSeconds: 9999})
	require.NoError(t, err)
	assert.Equal(t, maxTimeout, h.timeout)
}

func TestTimeoutEnforced(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(3 * time.Second)
	}))
	t.Cleanup(slow.Close)

	d := newDispatcher(t, map[Event][]Config{
		PreToolUse: {{URL: slow.URL, TimeoutSeconds: 1}},
	})
	start := time.Now()
	out := d.Dispatch(context.Background(), PreToolUse, &Payload{SessionID: "s1", ToolName: "Bash"})
	assert.Equal(t, DecisionDeny, out.Decision)
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
}

func TestInvalidRegistrationRejected(t *testing.T) {
	_, err := NewDispatcher(NewWebhookClient(nil), map[Event][]Config{
		PreToolUse: {{URL: "http://x", Matcher: "("}},
	}, nil)
	assert.Error(t, err)

	_, err = NewDispatcher(NewWebhookClient(nil), map[Event][]Config{
		Event("NoSuchEvent"): {{URL: "http://x"}},
	}, nil)
	assert.Error(t, err)
}
