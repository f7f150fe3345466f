// escrowrecon MCP server - exposes the claimable-balance API as MCP tools
package main

import (
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	// stdout carries the MCP protocol; logs go to stderr.
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL: envOrDefault("ESCROWRECON_API_URL", "http://localhost:8080"),
	}
	if v := os.Getenv("ESCROWRECON_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			logger.Error("invalid ESCROWRECON_API_TIMEOUT", "value", v, "error", err)
			os.Exit(1)
		}
		cfg.Timeout = d
	}

	logger.Info("starting MCP server", "api_url", cfg.APIURL, "version", Version)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
