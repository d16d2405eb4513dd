package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
	"github.com/agentd/agentd/internal/common/tracing"
)

const maxResponseBytes = 1 << 20 // webhooks answer with a small decision object

// WebhookClient performs the single HTTP exchange with a webhook. It never
// retries; the decision is taken from the one response. Policy (matchers,
// fail open/closed) lives in the Dispatcher.
type WebhookClient struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewWebhookClient creates a client. The per-call timeout comes from each
// hook's registration, so the embedded http.Client carries none.
func NewWebhookClient(log *logger.Logger) *WebhookClient {
	if log == nil {
		log = logger.Default()
	}
	return &WebhookClient{
		httpClient: &http.Client{},
		logger:     log.WithFields(zap.String("component", "webhook-client")),
	}
}

// call POSTs the payload and parses the decision. Any transport error,
// non-2xx status, or undecodable body is returned as an error; the caller
// decides what the error means for the operation. The hook URL is never
// included in the returned error, only in server-side logs.
func (c *WebhookClient) call(ctx context.Context, h *hook, payload *Payload) (*Response, error) {
	ctx, span := tracing.Tracer("hooks").Start(ctx, "webhook.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("hook.event", string(payload.HookEvent)),
		attribute.String("hook.tool", payload.ToolName),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("webhook call failed",
			zap.String("event", string(payload.HookEvent)),
			zap.String("url", h.url),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("webhook unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("webhook returned error status",
			zap.String("event", string(payload.HookEvent)),
			zap.String("url", h.url),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response")
	}

	var decision Response
	if err := json.Unmarshal(data, &decision); err != nil {
		c.logger.Warn("webhook returned invalid JSON",
			zap.String("event", string(payload.HookEvent)),
			zap.String("url", h.url),
			zap.Error(err))
		return nil, fmt.Errorf("webhook returned invalid JSON")
	}
	switch decision.Decision {
	case DecisionAllow, DecisionDeny, DecisionAsk:
	case "":
		// An empty decision from an observational endpoint means "noted".
		decision.Decision = DecisionAllow
	default:
		return nil, fmt.Errorf("webhook returned unknown decision %q", decision.Decision)
	}
	return &decision, nil
}
