package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	api := &apiClient{base: cfg.AgentdURL, key: cfg.APIKey, log: log}

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List the agent sessions visible to this API key, newest first."),
			mcp.WithNumber("page",
				mcp.Description("Page number, starting at 1"),
			),
			mcp.WithNumber("page_size",
				mcp.Description("Sessions per page (max 200)"),
			),
		),
		listSessionsHandler(api),
	)

	s.AddTool(
		mcp.NewTool("get_session",
			mcp.WithDescription("Fetch one session: status, model, working directory, turn and cost totals."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
		),
		getSessionHandler(api),
	)

	s.AddTool(
		mcp.NewTool("list_checkpoints",
			mcp.WithDescription("List a session's file checkpoints. Each checkpoint names the files the agent modified up to a user message."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
		),
		listCheckpointsHandler(api),
	)

	s.AddTool(
		mcp.NewTool("interrupt_session",
			mcp.WithDescription("Signal an interrupt for a streaming session. Returns immediately; the stream ends with done reason 'interrupted'."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to interrupt"),
			),
		),
		interruptSessionHandler(api),
	)

	s.AddTool(
		mcp.NewTool("answer_question",
			mcp.WithDescription("Answer a pending question event from a streaming session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session that asked the question"),
			),
			mcp.WithString("question_id",
				mcp.Required(),
				mcp.Description("The question_id from the question event"),
			),
			mcp.WithString("answer",
				mcp.Required(),
				mcp.Description("The answer text, usually one of the offered option labels"),
			),
		),
		answerQuestionHandler(api),
	)

	s.AddTool(
		mcp.NewTool("rewind_session",
			mcp.WithDescription("Rewind a session's files to a recorded checkpoint. The session must be idle."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID"),
			),
			mcp.WithString("user_message_uuid",
				mcp.Required(),
				mcp.Description("The checkpoint's user message UUID, from list_checkpoints"),
			),
		),
		rewindSessionHandler(api),
	)

	s.AddTool(
		mcp.NewTool("list_mcp_servers",
			mcp.WithDescription("List this tenant's registered MCP servers. Secrets are redacted."),
		),
		listMCPServersHandler(api),
	)

	log.Info("registered mcp tools", zap.Int("count", 7))
}

// apiClient issues authenticated requests against the agentd API.
type apiClient struct {
	base string
	key  string
	log  *logger.Logger
}

func (a *apiClient) do(ctx context.Context, method, path string, payload any) (*mcp.CallToolResult, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to encode request: %v", err)), nil
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build request: %v", err)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if a.key != "" {
		req.Header.Set("X-API-Key", a.key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		a.log.Error("agentd request failed",
			zap.String("method", method), zap.String("path", path), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("agentd request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", resp.StatusCode, string(result))), nil
	}

	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func listSessionsHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q := url.Values{}
		if page := req.GetInt("page", 0); page > 0 {
			q.Set("page", fmt.Sprintf("%d", page))
		}
		if size := req.GetInt("page_size", 0); size > 0 {
			q.Set("page_size", fmt.Sprintf("%d", size))
		}
		path := "/api/v1/sessions"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return api.do(ctx, http.MethodGet, path, nil)
	}
}

func getSessionHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return api.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil)
	}
}

func listCheckpointsHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return api.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/checkpoints", nil)
	}
}

func interruptSessionHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return api.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/interrupt", nil)
	}
}

func answerQuestionHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		questionID, err := req.RequireString("question_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload := map[string]string{"question_id": questionID, "answer": answer}
		return api.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/answer", payload)
	}
}

func rewindSessionHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		uuid, err := req.RequireString("user_message_uuid")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		payload := map[string]string{"user_message_uuid": uuid}
		return api.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/rewind", payload)
	}
}

func listMCPServersHandler(api *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return api.do(ctx, http.MethodGet, "/api/v1/mcp/servers", nil)
	}
}
