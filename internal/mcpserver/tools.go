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

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("dispatch_task",
			mcp.WithDescription(
				"Queue a coding task for an autonomous agent run. The task is picked up "+
					"by the dispatcher's worker, executed in a git worktree of the named "+
					"repository, and its result can be polled with get_task."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("What the agent should do"),
			),
			mcp.WithString("repo",
				mcp.Description("Repository name from list_repos. Required unless task_type is discuss."),
			),
			mcp.WithString("user_id",
				mcp.Description("Platform-prefixed user the task belongs to (defaults to api:anonymous)"),
			),
			mcp.WithString("task_type",
				mcp.Description("Empty for a coding task, or one of: discuss, create-project"),
			),
			mcp.WithNumber("priority",
				mcp.Description("Scheduling priority, higher runs first (default 0)"),
			),
		),
		dispatchTaskHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Fetch one task with its status and result. Completed tasks carry the agent's final output."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID returned by dispatch_task or list_tasks"),
			),
		),
		getTaskHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List recent tasks, optionally filtered by status or narrowed to active (pending and running) ones."),
			mcp.WithString("status",
				mcp.Description("Comma-separated status filter: pending, running, completed, failed"),
			),
			mcp.WithBoolean("active",
				mcp.Description("Only pending and running tasks"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tasks to return (default 50)"),
			),
		),
		listTasksHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("list_repos",
			mcp.WithDescription("List the repositories the dispatcher can run tasks on. Use this first to find valid repo names."),
		),
		listReposHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func dispatchTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]interface{}{"prompt": prompt}
		if repo := req.GetString("repo", ""); repo != "" {
			payload["repo"] = repo
		}
		if userID := req.GetString("user_id", ""); userID != "" {
			payload["user_id"] = userID
		}
		if taskType := req.GetString("task_type", ""); taskType != "" {
			payload["task_type"] = taskType
		}
		if p, ok := req.GetArguments()["priority"].(float64); ok {
			payload["priority"] = int(p)
		}

		body, _ := json.Marshal(payload)
		endpoint := fmt.Sprintf("%s/api/tasks", cfg.DispatchURL)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			log.Error("failed to dispatch task", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to dispatch task: %v", err)), nil
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
}

func getTaskHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		endpoint := fmt.Sprintf("%s/api/tasks/%s", cfg.DispatchURL, url.PathEscape(taskID))
		return proxyGet(ctx, log, endpoint, "task")
	}
}

func listTasksHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := url.Values{}
		if status := req.GetString("status", ""); status != "" {
			query.Set("status", status)
		}
		if active, ok := req.GetArguments()["active"].(bool); ok && active {
			query.Set("active", "true")
		}
		if limit, ok := req.GetArguments()["limit"].(float64); ok && limit > 0 {
			query.Set("limit", fmt.Sprintf("%d", int(limit)))
		}

		endpoint := fmt.Sprintf("%s/api/tasks", cfg.DispatchURL)
		if encoded := query.Encode(); encoded != "" {
			endpoint += "?" + encoded
		}
		return proxyGet(ctx, log, endpoint, "tasks")
	}
}

func listReposHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		endpoint := fmt.Sprintf("%s/api/repos", cfg.DispatchURL)
		return proxyGet(ctx, log, endpoint, "repos")
	}
}

// proxyGet fetches a dispatcher API endpoint and returns its JSON, pretty
// printed, as the tool result.
func proxyGet(ctx context.Context, log *logger.Logger, endpoint, what string) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create request: %v", err)), nil
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		log.Error("failed to fetch "+what, zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch %s: %v", what, err)), nil
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
