package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ReconClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ReconClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListClaimable summarizes a receiver's claimable balances.
func (h *Handlers) HandleListClaimable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	receiver := req.GetString("receiver_address", "")
	if receiver == "" {
		return mcp.NewToolResultError("receiver_address is required"), nil
	}

	raw, err := h.client.ListClaimable(ctx, receiver,
		req.GetBool("include_zero", false), req.GetInt("limit", 0), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list claimable balances: %v", err)), nil
	}

	text, err := formatSummary(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse claimable balances: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetClaimable returns one escrow position.
func (h *Handlers) HandleGetClaimable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID, receiver, tok, missing := escrowArgs(req)
	if missing != "" {
		return mcp.NewToolResultError(missing + " is required"), nil
	}

	raw, err := h.client.GetClaimable(ctx, escrowID, receiver, tok)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get claimable balance: %v", err)), nil
	}

	var b balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	var sb strings.Builder
	writeBalance(&sb, b)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAuthorizeClaim explains the gate's decision.
func (h *Handlers) HandleAuthorizeClaim(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID, receiver, tok, missing := escrowArgs(req)
	if missing != "" {
		return mcp.NewToolResultError(missing + " is required"), nil
	}

	raw, err := h.client.AuthorizeClaim(ctx, escrowID, receiver, tok)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to authorize claim: %v", err)), nil
	}

	var d struct {
		Allowed         bool   `json:"allowed"`
		State           string `json:"state"`
		ClaimableAmount string `json:"claimableAmount"`
		TokenType       string `json:"tokenType"`
		Reason          string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	var sb strings.Builder
	if d.Allowed {
		fmt.Fprintf(&sb, "Claim allowed: %s %s\n", d.ClaimableAmount, d.TokenType)
	} else {
		sb.WriteString("Claim refused\n")
	}
	fmt.Fprintf(&sb, "State: %s\n", d.State)
	if d.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", d.Reason)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleWithdrawalHistory lists recorded withdrawals.
func (h *Handlers) HandleWithdrawalHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	receiver := req.GetString("receiver_address", "")
	if receiver == "" {
		return mcp.NewToolResultError("receiver_address is required"), nil
	}

	raw, err := h.client.WithdrawalHistory(ctx, receiver, req.GetInt("limit", 0), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch withdrawal history: %v", err)), nil
	}

	var page struct {
		Withdrawals []struct {
			EscrowID        string `json:"escrowId"`
			Amount          string `json:"amount"`
			AmountFormatted string `json:"amountFormatted"`
			TokenType       string `json:"tokenType"`
			Destination     string `json:"destination"`
			Timestamp       string `json:"timestamp"`
			TransactionHash string `json:"transactionHash"`
		} `json:"withdrawals"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse withdrawal history: %v", err)), nil
	}

	if len(page.Withdrawals) == 0 {
		return mcp.NewToolResultText("No withdrawals recorded for " + receiver + "."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Withdrawals for %s:\n", receiver)
	for _, w := range page.Withdrawals {
		amount := w.AmountFormatted
		if amount == "" {
			amount = w.Amount + " base units"
		}
		fmt.Fprintf(&sb, "- %s %s %s to %s (escrow %s, tx %s)\n",
			w.Timestamp, amount, w.TokenType, w.Destination, short(w.EscrowID), short(w.TransactionHash))
	}
	if page.HasMore {
		fmt.Fprintf(&sb, "\nMore available; pass cursor %q.\n", page.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckFunding reports an escrow's funding position.
func (h *Handlers) HandleCheckFunding(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.CheckFunding(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check funding: %v", err)), nil
	}

	var f struct {
		Sufficient     bool   `json:"sufficient"`
		TokenType      string `json:"tokenType"`
		Balance        string `json:"balance"`
		TotalAllocated string `json:"totalAllocated"`
		Shortfall      string `json:"shortfall"`
		Reason         string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse funding: %v", err)), nil
	}

	var sb strings.Builder
	if f.Sufficient {
		sb.WriteString("Escrow is fully funded\n")
	} else {
		sb.WriteString("Escrow is NOT sufficiently funded\n")
	}
	if f.Balance != "" {
		fmt.Fprintf(&sb, "Balance: %s %s\nAllocated: %s %s\n", f.Balance, f.TokenType, f.TotalAllocated, f.TokenType)
	}
	if f.Shortfall != "" && !f.Sufficient {
		fmt.Fprintf(&sb, "Shortfall: %s %s\n", f.Shortfall, f.TokenType)
	}
	if f.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", f.Reason)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReceiverStatistics passes the statistics through as indented JSON.
func (h *Handlers) HandleReceiverStatistics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	receiver := req.GetString("receiver_address", "")
	if receiver == "" {
		return mcp.NewToolResultError("receiver_address is required"), nil
	}

	raw, err := h.client.Statistics(ctx, receiver)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

type balance struct {
	EscrowID            string `json:"escrowId"`
	TokenType           string `json:"tokenType"`
	AllocatedAmount     string `json:"allocatedAmount"`
	WithdrawnAmount     string `json:"withdrawnAmount"`
	AvailableAmount     string `json:"availableAmount"`
	EscrowActive        bool   `json:"escrowActive"`
	Source              string `json:"source"`
	AccountingAnomalous bool   `json:"accountingAnomaly"`
}

func writeBalance(sb *strings.Builder, b balance) {
	fmt.Fprintf(sb, "Escrow %s (%s)\n", short(b.EscrowID), b.TokenType)
	fmt.Fprintf(sb, "  Available: %s  Allocated: %s  Withdrawn: %s\n", b.AvailableAmount, b.AllocatedAmount, b.WithdrawnAmount)
	var notes []string
	if !b.EscrowActive {
		notes = append(notes, "escrow inactive")
	}
	if b.Source == "indexer" {
		notes = append(notes, "estimate from indexed events")
	}
	if b.AccountingAnomalous {
		notes = append(notes, "ACCOUNTING ANOMALY: withdrawn exceeds allocated")
	}
	if len(notes) > 0 {
		fmt.Fprintf(sb, "  Note: %s\n", strings.Join(notes, "; "))
	}
}

func formatSummary(raw json.RawMessage) (string, error) {
	var s struct {
		RecipientAddress string            `json:"recipientAddress"`
		Items            []balance         `json:"items"`
		TotalByToken     map[string]string `json:"totalByToken"`
		Partial          bool              `json:"partial"`
		Unavailable      []struct {
			EscrowID string `json:"escrowId"`
			Kind     string `json:"kind"`
			Message  string `json:"message"`
		} `json:"unavailable"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	var sb strings.Builder
	if len(s.Items) == 0 && !s.Partial {
		fmt.Fprintf(&sb, "Nothing to claim for %s.\n", s.RecipientAddress)
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "Claimable for %s:\n", s.RecipientAddress)
	tokens := make([]string, 0, len(s.TotalByToken))
	for t := range s.TotalByToken {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	for _, t := range tokens {
		fmt.Fprintf(&sb, "  Total %s: %s\n", t, s.TotalByToken[t])
	}
	sb.WriteString("\n")
	for _, b := range s.Items {
		writeBalance(&sb, b)
	}

	if s.Partial {
		sb.WriteString("\nPartial result; these escrows could not be read:\n")
		for _, u := range s.Unavailable {
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", short(u.EscrowID), u.Message, u.Kind)
		}
	}
	if s.HasMore {
		fmt.Fprintf(&sb, "\nMore escrows available; pass cursor %q.\n", s.NextCursor)
	}
	return sb.String(), nil
}

func escrowArgs(req mcp.CallToolRequest) (escrowID, receiver, tok, missing string) {
	escrowID = req.GetString("escrow_id", "")
	receiver = req.GetString("receiver_address", "")
	tok = req.GetString("token", "")
	switch {
	case escrowID == "":
		missing = "escrow_id"
	case receiver == "":
		missing = "receiver_address"
	case tok == "":
		missing = "token"
	}
	return
}

// short abbreviates long hex ids for display.
func short(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
