package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dohoonidot/aaa-client/internal/notify"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   NotificationStore
	Acks    AckQueue       // optional; if nil, ack_notifications returns an error
	Channel ChannelControl // optional; if nil, channel_status reports it as missing
	Version string
}

// NewMCPServer creates an MCP server exposing the notification inbox.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"aaa",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("aaa: leave, approval and company notifications received by the local client."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_notifications",
			mcp.WithDescription("List received notifications, newest first."),
			mcp.WithBoolean("unread_only", mcp.Description("Only return unread notifications")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListNotifications(deps),
	)

	s.AddTool(
		mcp.NewTool("get_notification",
			mcp.WithDescription("Return one notification with its detail lines."),
			mcp.WithString("id", mcp.Description("Notification event id"), mcp.Required()),
		),
		mcpGetNotification(deps),
	)

	s.AddTool(
		mcp.NewTool("mark_read",
			mcp.WithDescription("Mark a notification as read, or every notification when id is \"all\"."),
			mcp.WithString("id", mcp.Description("Notification event id or \"all\""), mcp.Required()),
		),
		mcpMarkRead(deps),
	)

	s.AddTool(
		mcp.NewTool("ack_notifications",
			mcp.WithDescription("Acknowledge notifications to the server so they are not redelivered."),
			mcp.WithArray("event_ids", mcp.Description("Event ids to acknowledge"), mcp.Required(), mcp.WithStringItems()),
		),
		mcpAckNotifications(deps),
	)

	s.AddTool(
		mcp.NewTool("channel_status",
			mcp.WithDescription("Report the push channel connection state."),
		),
		mcpChannelStatus(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"notifications://unread",
			"Unread Notifications",
			mcp.WithResourceDescription("Unread notifications (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUnread(deps),
	)

	return s
}

type notificationSummary struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	ReceivedAt string `json:"received_at"`
	Read       bool   `json:"read"`
}

func summarize(rec notify.Record) notificationSummary {
	msg := rec.Message
	if utf8.RuneCountInString(msg) > 200 {
		runes := []rune(msg)
		msg = string(runes[:200]) + "..."
	}
	return notificationSummary{
		ID:         rec.ID,
		Type:       rec.Type,
		Title:      rec.Title,
		Message:    msg,
		ReceivedAt: rec.ReceivedAt.Format(time.RFC3339),
		Read:       rec.Read,
	}
}

func mcpListNotifications(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		unreadOnly := req.GetBool("unread_only", false)
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		results := []notificationSummary{}
		for _, rec := range deps.Store.List() {
			if unreadOnly && rec.Read {
				continue
			}
			results = append(results, summarize(rec))
			if len(results) == limit {
				break
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetNotification(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rec, ok := deps.Store.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("notification %s not found", id)), nil
		}

		b, err := json.Marshal(NotificationDetail{Notification: rec, Details: notify.Details(rec.Payload, rec.Type)})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal notification: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpMarkRead(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if id == "all" {
			n := deps.Store.MarkAllRead()
			return mcpText(fmt.Sprintf("Marked %d notifications as read", n)), nil
		}
		if _, ok := deps.Store.Get(id); !ok {
			return mcpError(fmt.Sprintf("notification %s not found", id)), nil
		}
		deps.Store.MarkRead(id)
		return mcpText(fmt.Sprintf("Marked %s as read (%d unread)", id, deps.Store.UnreadCount())), nil
	}
}

func mcpAckNotifications(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Acks == nil {
			return mcpError("acknowledgements are not enabled"), nil
		}
		ids := req.GetStringSlice("event_ids", nil)
		if len(ids) == 0 {
			return mcpError("event_ids is required"), nil
		}
		for _, id := range ids {
			deps.Acks.Add(id)
		}
		return mcpText(fmt.Sprintf("Queued %d acknowledgements (%d pending)", len(ids), deps.Acks.Pending())), nil
	}
}

func mcpChannelStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Channel == nil {
			return mcpText(`{"state":"DISCONNECTED","enabled":false,"configured":false}`), nil
		}
		b, err := json.Marshal(ChannelStatus{State: deps.Channel.State(), Enabled: deps.Channel.Enabled()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceUnread(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		summaries := []notificationSummary{}
		for _, rec := range deps.Store.List() {
			if !rec.Read {
				summaries = append(summaries, summarize(rec))
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal notifications: %w", err)
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
