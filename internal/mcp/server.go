// Package mcp exposes the session coordinator over the Model Context
// Protocol's stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amq-cli/amq/internal/coordinator"
	"github.com/amq-cli/amq/internal/history"
)

// Server wraps the coordinator and exposes it as MCP tools.
type Server struct {
	coord *coordinator.Coordinator
	hist  *history.Store
}

// NewServer creates the MCP server wrapper. hist may be nil when
// dispatch history is disabled.
func NewServer(c *coordinator.Coordinator, hist *history.Store) *Server {
	return &Server{coord: c, hist: hist}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("amq", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.cleanupSessionsTool())
	srv.AddTool(s.dispatchHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Status        string `json:"status"`
	Active        bool   `json:"active"`
	Streaming     bool   `json:"streaming"`
	FirstMessage  string `json:"first_message"`
	MessageCount  int    `json:"message_count"`
	BufferBytes   int    `json:"buffer_bytes"`
	BufferDropped uint64 `json:"buffer_dropped"`
	LastActive    string `json:"last_active"`
	WorktreePath  string `json:"worktree_path,omitempty"`
}

// amq_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amq_list_sessions",
		mcp.WithDescription("List all chat sessions ordered by last activity. Returns a JSON array with id, name, status, buffered output size, and worktree path."),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeID := s.coord.ActiveID()

	infos := s.coord.List()
	out := make([]sessionOut, len(infos))
	for i, info := range infos {
		out[i] = sessionOut{
			ID:            info.ID,
			Name:          info.Meta.Name,
			Status:        string(info.Meta.Status),
			Active:        info.ID == activeID,
			Streaming:     info.Streaming,
			FirstMessage:  info.Meta.FirstMessage,
			MessageCount:  info.Meta.MessageCount,
			BufferBytes:   info.BufferBytes,
			BufferDropped: info.BufferDropped,
			LastActive:    time.Unix(info.Meta.LastActive, 0).UTC().Format(time.RFC3339),
		}
		if info.Meta.Worktree != nil {
			out[i].WorktreePath = info.Meta.Worktree.Path
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// amq_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amq_session_status",
		mcp.WithDescription("Get detailed status for one session, resolved by id or name."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session id or name")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nameOrID, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}

	info, err := s.coord.Snapshot(nameOrID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", nameOrID)), nil
	}

	out := sessionOut{
		ID:            info.ID,
		Name:          info.Meta.Name,
		Status:        string(info.Meta.Status),
		Active:        info.ID == s.coord.ActiveID(),
		Streaming:     info.Streaming,
		FirstMessage:  info.Meta.FirstMessage,
		MessageCount:  info.Meta.MessageCount,
		BufferBytes:   info.BufferBytes,
		BufferDropped: info.BufferDropped,
		LastActive:    time.Unix(info.Meta.LastActive, 0).UTC().Format(time.RFC3339),
	}
	if info.Meta.Worktree != nil {
		out.WorktreePath = info.Meta.Worktree.Path
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal session: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// amq_cleanup_sessions
func (s *Server) cleanupSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amq_cleanup_sessions",
		mcp.WithDescription("Remove sessions inactive for longer than the given number of days. Returns the count removed."),
		mcp.WithNumber("older_than_days", mcp.Description("Inactivity threshold in days (default 30)")),
	)
	return tool, s.handleCleanupSessions
}

func (s *Server) handleCleanupSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := request.GetFloat("older_than_days", 30)
	if days <= 0 {
		return mcp.NewToolResultError("older_than_days must be positive"), nil
	}

	removed, err := s.coord.Cleanup(time.Duration(days*24) * time.Hour)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cleanup failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"removed": %d}`, removed)), nil
}

// amq_dispatch_history
func (s *Server) dispatchHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("amq_dispatch_history",
		mcp.WithDescription("List recent background dispatches with outcome, chunk counts, and timing."),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 20)")),
	)
	return tool, s.handleDispatchHistory
}

func (s *Server) handleDispatchHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.hist == nil {
		return mcp.NewToolResultError("dispatch history is disabled"), nil
	}
	limit := int(request.GetFloat("limit", 20))
	if limit <= 0 {
		limit = 20
	}

	entries, err := s.hist.Recent(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load history: %v", err)), nil
	}

	type entryOut struct {
		ID         string `json:"id"`
		SessionID  string `json:"session_id"`
		Priority   string `json:"priority"`
		Outcome    string `json:"outcome"`
		ChunkCount int    `json:"chunk_count"`
		ByteCount  int    `json:"byte_count"`
		Error      string `json:"error,omitempty"`
		StartedAt  string `json:"started_at"`
		FinishedAt string `json:"finished_at"`
	}

	out := make([]entryOut, len(entries))
	for i, e := range entries {
		out[i] = entryOut{
			ID:         e.ID,
			SessionID:  e.SessionID,
			Priority:   e.Priority,
			Outcome:    e.Outcome,
			ChunkCount: e.ChunkCount,
			ByteCount:  e.ByteCount,
			Error:      e.Error,
			StartedAt:  e.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt: e.FinishedAt.UTC().Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal history: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
