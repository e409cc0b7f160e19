package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mealsense/internal/cache"
	"github.com/kalambet/mealsense/internal/learning"
	"github.com/kalambet/mealsense/internal/metrics"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Learning *learning.Loop
	Metrics  *metrics.Tracker
	Cache    cache.AnalysisCache
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewMCPServer creates an MCP server exposing quality and learning tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := server.NewMCPServer(
		"mealsense",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mealsense: meal photo analysis quality metrics and per-user learned corrections."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("quality_metrics",
			mcp.WithDescription("Report name accuracy, portion RMSE, calorie MAE and edit rate for confirmed meals, with target evaluation."),
			mcp.WithNumber("days", mcp.Description("Trailing window in days (default 30)")),
		),
		mcpQualityMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("model_performance",
			mcp.WithDescription("Summarize a model version's confidence, correction rate and most common naming errors."),
			mcp.WithString("model", mcp.Description("Model version string"), mcp.Required()),
			mcp.WithNumber("days", mcp.Description("Trailing window in days (default 30)")),
		),
		mcpModelPerformance(deps),
	)

	s.AddTool(
		mcp.NewTool("user_synonyms",
			mcp.WithDescription("Return the food names a user repeatedly corrects and what they correct them to."),
			mcp.WithString("user_id", mcp.Description("User ID"), mcp.Required()),
		),
		mcpUserSynonyms(deps),
	)

	s.AddTool(
		mcp.NewTool("purge_cache",
			mcp.WithDescription("Delete a user's cached analyses older than the given number of days."),
			mcp.WithString("user_id", mcp.Description("User ID"), mcp.Required()),
			mcp.WithNumber("older_than_days", mcp.Description("Age threshold in days (default 0, everything)")),
		),
		mcpPurgeCache(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"mealsense://targets",
			"Quality Targets",
			mcp.WithResourceDescription("The quality bars metrics are evaluated against"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTargets(),
	)

	return s
}

func mcpQualityMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		days := req.GetInt("days", defaultMetricsDays)
		if days <= 0 {
			return mcpError("days must be positive"), nil
		}
		to := deps.Now().UTC()
		from := to.Add(-time.Duration(days) * 24 * time.Hour)

		report, err := deps.Metrics.Report(ctx, from, to)
		if err != nil {
			return mcpError(fmt.Sprintf("computing metrics failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpModelPerformance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil || model == "" {
			return mcpError("model is required"), nil
		}
		days := req.GetInt("days", defaultMetricsDays)
		if days <= 0 {
			return mcpError("days must be positive"), nil
		}

		perf, err := deps.Learning.AnalyzeModelPerformance(model, days)
		if err != nil {
			return mcpError(fmt.Sprintf("analyzing model failed: %v", err)), nil
		}
		return mcpJSON(perf)
	}
}

func mcpUserSynonyms(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}
		m, err := deps.Learning.SynonymMap(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading synonyms failed: %v", err)), nil
		}
		return mcpJSON(m)
	}
}

func mcpPurgeCache(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil || userID == "" {
			return mcpError("user_id is required"), nil
		}
		days := req.GetInt("older_than_days", 0)
		if days < 0 {
			return mcpError("older_than_days must be non-negative"), nil
		}

		n, err := deps.Cache.PurgeOlderThan(ctx, userID, days)
		if err != nil {
			return mcpError(fmt.Sprintf("purge failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted %d cache entries", n)), nil
	}
}

func mcpResourceTargets() server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(metrics.DefaultTargets())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal targets: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
