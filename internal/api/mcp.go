package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Analyzer Analyzer
	Jobs     *jobs.Registry
	// JobContext is the parent of jobs started through tools.
	JobContext context.Context
}

// NewMCPServer creates an MCP server with the storytrace tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.JobContext == nil {
		deps.JobContext = context.Background()
	}
	s := server.NewMCPServer(
		"storytrace",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("storytrace tracks how character relationships evolve across the chapters of a novel."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_relationship",
			mcp.WithDescription("Start a background sweep of one character pair through a corpus. Returns a job id to poll with job_status."),
			mcp.WithString("corpus_id", mcp.Description("Imported corpus id"), mcp.Required()),
			mcp.WithString("source", mcp.Description("First character name"), mcp.Required()),
			mcp.WithString("target", mcp.Description("Second character name"), mcp.Required()),
			mcp.WithBoolean("force", mcp.Description("Discard stored history and analyze from scratch")),
		),
		mcpAnalyzeRelationship(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report status, progress and result of a job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by analyze_relationship"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("relationship_history",
			mcp.WithDescription("Return the stored relationship snapshots of a character pair in chapter order."),
			mcp.WithString("corpus_id", mcp.Description("Imported corpus id"), mcp.Required()),
			mcp.WithString("source", mcp.Description("First character name"), mcp.Required()),
			mcp.WithString("target", mcp.Description("Second character name"), mcp.Required()),
		),
		mcpRelationshipHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"storytrace://jobs/active",
			"Active Jobs",
			mcp.WithResourceDescription("Jobs that are pending or processing"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceActiveJobs(deps),
	)

	return s
}

func mcpAnalyzeRelationship(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		corpusID, err := req.RequireString("corpus_id")
		if err != nil {
			return mcpError("corpus_id is required"), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		target, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}

		id := startRelationshipJob(deps.JobContext, deps.Jobs, deps.Analyzer, pipeline.PairRequest{
			CorpusID: corpusID,
			Source:   source,
			Target:   target,
			Force:    req.GetBool("force", false),
		})
		return mcpText(fmt.Sprintf("Started job %s", id)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}
		job, err := deps.Jobs.Get(id)
		if errors.Is(err, jobs.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading job: %v", err)), nil
		}
		return mcpJSON(job)
	}
}

func mcpRelationshipHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		corpusID, err := req.RequireString("corpus_id")
		if err != nil {
			return mcpError("corpus_id is required"), nil
		}
		source, err := req.RequireString("source")
		if err != nil {
			return mcpError("source is required"), nil
		}
		target, err := req.RequireString("target")
		if err != nil {
			return mcpError("target is required"), nil
		}

		history, err := deps.Analyzer.History(ctx, corpusID, source, target)
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		if len(history) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(history)
	}
}

func mcpResourceActiveJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Jobs.List(true))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
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
