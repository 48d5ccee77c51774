package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes async run outcomes to the session that requested them.
type Notifier interface {
	Notify(ctx context.Context, ticket string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the session holding ticket and releases the
// ticket. Best-effort: an unknown ticket or a vanished session is not an
// error.
func (n *MCPNotifier) Notify(_ context.Context, ticket string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(ticket)
	if !ok {
		return nil
	}
	n.sessions.Release(ticket)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
