package redemption

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/payrollx/escrowrecon/internal/token"
)

// PostgresStore persists redemptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed redemption store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Redemption) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO redemptions (
			id, withdrawal_tx_hash, escrow_id, wallet_address, token_type, amount,
			chain_id, bank_account_number, bank_code, bank_account_name,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.WithdrawalTxHash, r.EscrowID, r.WalletAddress, string(r.Token), r.Amount.String(),
		r.ChainID, r.BankAccountNumber, r.BankCode, r.BankAccountName,
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyRedeemed
		}
		return err
	}
	return nil
}

const redemptionColumns = `id, withdrawal_tx_hash, escrow_id, wallet_address, token_type, amount::TEXT,
		       chain_id, bank_account_number, bank_code, bank_account_name,
		       status, provider_ref, failure_reason, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Redemption, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, id)
	r, err := scanRedemption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, providerRef, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE redemptions
		SET status = $2,
		    provider_ref = COALESCE(NULLIF($3, ''), provider_ref),
		    failure_reason = NULLIF($4, ''),
		    updated_at = $5
		WHERE id = $1`,
		id, string(status), providerRef, reason, at,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CountPending(ctx context.Context, escrowID, wallet string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM redemptions
		WHERE escrow_id = $1 AND wallet_address = $2 AND status = 'pending'`,
		escrowID, wallet,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Redemption, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+redemptionColumns+`
		FROM redemptions
		WHERE wallet_address = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRedemption(s scanner) (*Redemption, error) {
	var (
		r           Redemption
		tok, amount string
		status      string
		providerRef sql.NullString
		reason      sql.NullString
	)
	err := s.Scan(&r.ID, &r.WithdrawalTxHash, &r.EscrowID, &r.WalletAddress, &tok, &amount,
		&r.ChainID, &r.BankAccountNumber, &r.BankCode, &r.BankAccountName,
		&status, &providerRef, &reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("redemption %s: bad stored amount %q", r.ID, amount)
	}
	r.Amount = v
	r.Token = token.Type(tok)
	r.Status = Status(status)
	r.ProviderRef = providerRef.String
	r.FailureReason = reason.String
	return &r, nil
}
