package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// runNotification is the method used for run completion pushes.
const runNotification = "notifications/stepwise/run"

// AgentNotifier pushes run outcomes to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to srv.
func NewMCPNotifier(srv *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: srv, sessions: sessions}
}

// Notify sends payload to the agent's session. An agent without a live
// session is skipped silently.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, runNotification, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
