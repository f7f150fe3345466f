package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/payrollx/escrowrecon/internal/domain"
	"github.com/payrollx/escrowrecon/internal/pagination"
	"github.com/payrollx/escrowrecon/internal/token"
)

// PostgresStore persists mirrored events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed mirror store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isUniqueViolation reports a concurrent insert of the same key.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) InsertWithdrawal(ctx context.Context, rec *WithdrawalRecord) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawal_records (
			chain_event_id, escrow_id, recipient_address, amount, token_type,
			destination, event_timestamp, transaction_hash, block_number, saved_at
		) VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_event_id) DO NOTHING`,
		rec.ChainEventID, rec.EscrowID, rec.RecipientAddress, rec.Amount.String(),
		nullString(string(rec.Token)), string(rec.Destination), rec.Timestamp,
		rec.TransactionHash, int64(rec.BlockNumber), rec.SavedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

const withdrawalColumns = `chain_event_id, escrow_id, recipient_address, amount::TEXT, token_type,
		       destination, event_timestamp, transaction_hash, block_number, saved_at`

func (p *PostgresStore) GetWithdrawal(ctx context.Context, chainEventID string) (*WithdrawalRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_records WHERE chain_event_id = $1`, chainEventID)
	rec, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) FindByTxHash(ctx context.Context, txHash string) ([]*WithdrawalRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_records
		WHERE transaction_hash = $1
		ORDER BY event_timestamp DESC, chain_event_id ASC`, txHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListByRecipient(ctx context.Context, recipient string, after *pagination.Cursor, limit int) ([]*WithdrawalRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+withdrawalColumns+`
			FROM withdrawal_records
			WHERE recipient_address = $1
			ORDER BY event_timestamp DESC, chain_event_id ASC
			LIMIT $2`, recipient, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+withdrawalColumns+`
			FROM withdrawal_records
			WHERE recipient_address = $1
			  AND (event_timestamp < $2 OR (event_timestamp = $2 AND chain_event_id > $3))
			ORDER BY event_timestamp DESC, chain_event_id ASC
			LIMIT $4`, recipient, after.At, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*WithdrawalRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_records
		WHERE escrow_id = $1
		ORDER BY event_timestamp DESC, chain_event_id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) CountByDestination(ctx context.Context, recipient string) (map[domain.Destination]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT destination, COUNT(*)
		FROM withdrawal_records
		WHERE recipient_address = $1
		GROUP BY destination`, recipient)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.Destination]int)
	for rows.Next() {
		var (
			dest string
			n    int
		)
		if err := rows.Scan(&dest, &n); err != nil {
			return nil, err
		}
		counts[domain.Destination(dest)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) InsertEscrowEvent(ctx context.Context, rec *EscrowEventRecord) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	e := rec.Event
	result, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_events (
			chain_event_id, escrow_id, kind, sender_address, token_type,
			event_timestamp, transaction_hash, block_number, saved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_event_id) DO NOTHING`,
		e.ChainEventID, e.EscrowID, string(e.Kind), nullString(e.SenderAddress), string(e.Token),
		e.CreatedAt, e.TransactionHash, int64(e.BlockNumber), rec.SavedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	if n, err := result.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	for _, r := range e.Receivers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_event_receivers (chain_event_id, receiver_address, amount)
			VALUES ($1, $2, $3::NUMERIC(78,0))`,
			e.ChainEventID, r.Address, r.Amount.String(),
		); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

const escrowEventColumns = `e.chain_event_id, e.escrow_id, e.kind, e.sender_address, e.token_type,
		       e.event_timestamp, e.transaction_hash, e.block_number, e.saved_at`

func (p *PostgresStore) ListEscrowEvents(ctx context.Context, escrowID string) ([]*EscrowEventRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowEventColumns+`
		FROM escrow_events e
		WHERE e.escrow_id = $1
		ORDER BY e.event_timestamp ASC, e.chain_event_id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	recs, err := scanEscrowEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadReceivers(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (p *PostgresStore) AllocationEvents(ctx context.Context, receiver string) ([]domain.EscrowAllocationEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowEventColumns+`
		FROM escrow_events e
		WHERE EXISTS (
			SELECT 1 FROM escrow_event_receivers r
			WHERE r.chain_event_id = e.chain_event_id AND r.receiver_address = $1
		)
		ORDER BY e.event_timestamp ASC, e.chain_event_id ASC`, receiver)
	if err != nil {
		return nil, err
	}
	recs, err := scanEscrowEvents(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadReceivers(ctx, recs); err != nil {
		return nil, err
	}
	out := make([]domain.EscrowAllocationEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Event)
	}
	return out, nil
}

func (p *PostgresStore) loadReceivers(ctx context.Context, recs []*EscrowEventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	byID := make(map[string]*EscrowEventRecord, len(recs))
	for i, r := range recs {
		ids[i] = r.Event.ChainEventID
		byID[r.Event.ChainEventID] = r
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT chain_event_id, receiver_address, amount::TEXT
		FROM escrow_event_receivers
		WHERE chain_event_id = ANY($1)
		ORDER BY chain_event_id, receiver_address`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, addr, amount string
		if err := rows.Scan(&id, &addr, &amount); err != nil {
			return err
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return fmt.Errorf("mirror: bad receiver amount %q for %s", amount, id)
		}
		if r := byID[id]; r != nil {
			r.Event.Receivers = append(r.Event.Receivers, domain.ReceiverAllocation{Address: addr, Amount: v})
		}
	}
	return rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(s scanner) (*WithdrawalRecord, error) {
	var (
		rec    WithdrawalRecord
		amount string
		tok    sql.NullString
		dest   string
		block  int64
	)
	if err := s.Scan(&rec.ChainEventID, &rec.EscrowID, &rec.RecipientAddress, &amount, &tok,
		&dest, &rec.Timestamp, &rec.TransactionHash, &block, &rec.SavedAt); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("mirror: bad amount %q for %s", amount, rec.ChainEventID)
	}
	rec.Amount = v
	rec.Token = token.Type(tok.String)
	rec.Destination = domain.Destination(dest)
	rec.BlockNumber = uint64(block)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.SavedAt = rec.SavedAt.UTC()
	return &rec, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*WithdrawalRecord, error) {
	var out []*WithdrawalRecord
	for rows.Next() {
		rec, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanEscrowEvents(rows *sql.Rows) ([]*EscrowEventRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []*EscrowEventRecord
	for rows.Next() {
		var (
			rec    EscrowEventRecord
			kind   string
			sender sql.NullString
			tok    string
			block  int64
			at     time.Time
		)
		if err := rows.Scan(&rec.Event.ChainEventID, &rec.Event.EscrowID, &kind, &sender, &tok,
			&at, &rec.Event.TransactionHash, &block, &rec.SavedAt); err != nil {
			return nil, err
		}
		rec.Event.Kind = domain.AllocationKind(kind)
		rec.Event.SenderAddress = sender.String
		rec.Event.Token = token.Type(tok)
		rec.Event.CreatedAt = at.UTC()
		rec.Event.BlockNumber = uint64(block)
		rec.SavedAt = rec.SavedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
