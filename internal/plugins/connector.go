package plugins

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/server"
)

// Connector opens a started, uninitialized MCP client session to a plugin.
type Connector func(ctx context.Context) (*client.Client, error)

// StdioConnector launches command as a subprocess speaking MCP over stdio.
func StdioConnector(command string, env []string, args ...string) Connector {
	return func(context.Context) (*client.Client, error) {
		c, err := client.NewStdioMCPClient(command, env, args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", command, err)
		}
		return c, nil
	}
}

// InProcessConnector talks to an MCPServer in the same process.
func InProcessConnector(srv *server.MCPServer) Connector {
	return func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	}
}
