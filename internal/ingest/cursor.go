package ingest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// Stream names used as cursor keys.
const (
	StreamAllocations = "allocations"
	StreamWithdrawals = "withdrawals"
)

// CursorStore persists per-stream high-water marks. Load returns 0 for a
// stream that has never been saved.
type CursorStore interface {
	Load(ctx context.Context, stream string) (uint64, error)
	Save(ctx context.Context, stream string, block uint64) error
}

// MemoryCursorStore is an in-memory CursorStore for development and tests.
type MemoryCursorStore struct {
	mu     sync.RWMutex
	blocks map[string]uint64
}

// NewMemoryCursorStore creates an empty cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{blocks: make(map[string]uint64)}
}

func (m *MemoryCursorStore) Load(_ context.Context, stream string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.blocks[stream], nil
}

// Save never moves a mark backwards.
func (m *MemoryCursorStore) Save(_ context.Context, stream string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if block > m.blocks[stream] {
		m.blocks[stream] = block
	}
	return nil
}

// PostgresCursorStore keeps marks in the ingest_cursors table.
type PostgresCursorStore struct {
	db *sql.DB
}

// NewPostgresCursorStore creates a PostgreSQL-backed cursor store.
func NewPostgresCursorStore(db *sql.DB) *PostgresCursorStore {
	return &PostgresCursorStore{db: db}
}

func (p *PostgresCursorStore) Load(ctx context.Context, stream string) (uint64, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT block_number FROM ingest_cursors WHERE stream = $1`, stream,
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(block), nil
}

// Save upserts the mark. Two pollers racing cannot move it backwards.
func (p *PostgresCursorStore) Save(ctx context.Context, stream string, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ingest_cursors (stream, block_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream) DO UPDATE
		SET block_number = GREATEST(ingest_cursors.block_number, EXCLUDED.block_number),
		    updated_at = NOW()`,
		stream, int64(block), //nolint:gosec // block numbers fit in int64
	)
	return err
}
