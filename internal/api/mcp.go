package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/atendebot/atende/internal/storage"
)

// MCPStore is the slice of storage the staff tools operate on.
type MCPStore interface {
	GetClient(userID string) (storage.ClientRow, error)
	RecentMessages(userID string, limit int) ([]storage.Message, error)
	AppendMessage(m storage.Message) error
	InsertLog(e storage.LogEntry) error
	RecentLogs(limit int) ([]storage.LogEntry, error)
}

// MCPDeps holds dependencies for the staff MCP server.
type MCPDeps struct {
	Store MCPStore
	Clock Clock
}

// NewMCPServer creates an MCP server exposing client records to shop staff.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}

	s := server.NewMCPServer(
		"atende",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("atende — registro de clientes, histórico de conversas e notas da equipe."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("lookup_client",
			mcp.WithDescription("Look up a client's profile by phone number."),
			mcp.WithString("user_id", mcp.Description("Client phone number"), mcp.Required()),
		),
		mcpLookupClient(deps),
	)

	s.AddTool(
		mcp.NewTool("client_history",
			mcp.WithDescription("Return a client's recent conversation history."),
			mcp.WithString("user_id", mcp.Description("Client phone number"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
		),
		mcpClientHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("add_staff_note",
			mcp.WithDescription("Attach a staff note to a client's conversation history."),
			mcp.WithString("user_id", mcp.Description("Client phone number"), mcp.Required()),
			mcp.WithString("note", mcp.Description("The note text"), mcp.Required()),
		),
		mcpAddStaffNote(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"atende://clients/recent-logs",
			"Recent Audit Logs",
			mcp.WithResourceDescription("Newest profile-change and staff-note audit entries across all clients"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentLogs(deps),
	)

	return s
}

func mcpLookupClient(deps MCPDeps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		client, err := deps.Store.GetClient(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("no client %s", userID)), nil
		}

		b, err := json.Marshal(map[string]string{
			"user_id":     client.UserID,
			"name":        client.Name,
			"address":     client.Address,
			"preferences": client.Preferences,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal client: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpClientHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		msgs, err := deps.Store.RecentMessages(userID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
		}

		type entry struct {
			Role      string    `json:"role"`
			Text      string    `json:"text"`
			Timestamp time.Time `json:"timestamp"`
		}
		out := make([]entry, len(msgs))
		for i, m := range msgs {
			out[i] = entry{Role: m.Role, Text: m.Text, Timestamp: m.Timestamp}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal history: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddStaffNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		note, err := req.RequireString("note")
		if err != nil {
			return mcpError("note is required"), nil
		}

		now := deps.Clock.Now()
		if err := deps.Store.AppendMessage(storage.Message{
			UserID:    userID,
			Role:      storage.RoleStaff,
			Text:      note,
			Timestamp: now,
		}); err != nil {
			return mcpError(fmt.Sprintf("failed to save note: %v", err)), nil
		}

		entry := storage.LogEntry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Log:       fmt.Sprintf("Nota da equipe registrada: %s", note),
			Type:      "Nota da equipe",
			Timestamp: now,
		}
		if err := deps.Store.InsertLog(entry); err != nil {
			return mcpError(fmt.Sprintf("saved note but failed to record audit entry: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Nota registrada para %s", userID)), nil
	}
}

func mcpResourceRecentLogs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		logs, err := deps.Store.RecentLogs(20)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent logs: %w", err)
		}

		type logSummary struct {
			UserID    string `json:"user_id"`
			Log       string `json:"log"`
			Type      string `json:"type"`
			Timestamp string `json:"timestamp"`
		}
		summaries := make([]logSummary, len(logs))
		for i, l := range logs {
			summaries[i] = logSummary{
				UserID:    l.UserID,
				Log:       l.Log,
				Type:      l.Type,
				Timestamp: l.Timestamp.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal logs: %w", err)
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
