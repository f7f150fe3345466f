// Package mcpserver exposes the reconciliation read API as MCP tools, so an
// assistant can answer "what can I still withdraw?" for a receiver.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("escrowrecon", version)
	h := NewHandlers(NewReconClient(cfg))

	s.AddTool(ToolListClaimable, h.HandleListClaimable)
	s.AddTool(ToolGetClaimable, h.HandleGetClaimable)
	s.AddTool(ToolAuthorizeClaim, h.HandleAuthorizeClaim)
	s.AddTool(ToolWithdrawalHistory, h.HandleWithdrawalHistory)
	s.AddTool(ToolCheckFunding, h.HandleCheckFunding)
	s.AddTool(ToolReceiverStatistics, h.HandleReceiverStatistics)

	return s
}
