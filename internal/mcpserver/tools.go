package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which
// tool to use.

var tokenParam = mcp.WithString("token",
	mcp.Required(),
	mcp.Description("Token the escrow pays in"),
	mcp.Enum("USDC", "USDT", "IDRX"))

var ToolListClaimable = mcp.NewTool("list_claimable",
	mcp.WithDescription(
		"List what a payroll receiver can still withdraw, per escrow and in total per token. "+
			"Balances marked 'indexer' are estimates; only 'chain' balances are authoritative. "+
			"A partial result lists the escrows whose balance could not be read."),
	mcp.WithString("receiver_address",
		mcp.Required(),
		mcp.Description("Receiver wallet address (0x + 40 hex)")),
	mcp.WithBoolean("include_zero",
		mcp.Description("Also list escrows with nothing left to claim")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum escrows per page (default 50)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)

var ToolGetClaimable = mcp.NewTool("get_claimable",
	mcp.WithDescription(
		"Get a receiver's allocated, withdrawn and available amounts in a single escrow."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id (0x + 64 hex)")),
	mcp.WithString("receiver_address",
		mcp.Required(),
		mcp.Description("Receiver wallet address")),
	tokenParam,
)

var ToolAuthorizeClaim = mcp.NewTool("authorize_claim",
	mcp.WithDescription(
		"Ask whether a receiver may claim from an escrow right now, and how much. "+
			"A refusal explains why: nothing allocated, fully withdrawn, vesting locked, "+
			"escrow inactive, a fiat redemption still pending, or the ledger unreadable."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id (0x + 64 hex)")),
	mcp.WithString("receiver_address",
		mcp.Required(),
		mcp.Description("Receiver wallet address")),
	tokenParam,
)

var ToolWithdrawalHistory = mcp.NewTool("withdrawal_history",
	mcp.WithDescription(
		"List a receiver's recorded withdrawals, newest first, with destination "+
			"(crypto wallet or fiat bank account) and transaction hash."),
	mcp.WithString("receiver_address",
		mcp.Required(),
		mcp.Description("Receiver wallet address")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum withdrawals to return (default 50)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)

var ToolCheckFunding = mcp.NewTool("check_funding",
	mcp.WithDescription(
		"Check whether an escrow holds enough tokens to cover everything it has allocated."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow id (0x + 64 hex)")),
)

var ToolReceiverStatistics = mcp.NewTool("receiver_statistics",
	mcp.WithDescription(
		"Summarize a receiver: escrow counts, totals per token, and withdrawal counts by destination."),
	mcp.WithString("receiver_address",
		mcp.Required(),
		mcp.Description("Receiver wallet address")),
)
