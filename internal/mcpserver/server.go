package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all chatshield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer("chatshield", version, server.WithToolCapabilities(false))
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolScreenMessage, h.HandleScreenMessage)
	s.AddTool(ToolGetRiskStatus, h.HandleGetRiskStatus)
	s.AddTool(ToolListSignals, h.HandleListSignals)
	s.AddTool(ToolListRollups, h.HandleListRollups)

	return s
}
