// escrowrecon - claimable-balance reconciliation for payroll escrows
package main

import (
	"context"
	"os"

	"github.com/payrollx/escrowrecon/internal/config"
	"github.com/payrollx/escrowrecon/internal/logging"
	"github.com/payrollx/escrowrecon/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration first so the logger honours LOG_LEVEL / LOG_FORMAT
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting escrowrecon",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"escrow_contract", cfg.EscrowContract,
		"ledger_configured", cfg.LedgerConfigured(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
