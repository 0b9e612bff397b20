package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			state TEXT NOT NULL,
			entry_order_ref TEXT,
			stop_order_ref TEXT,
			target_order_ref TEXT,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			stop_loss_price TEXT NOT NULL,
			take_profit_price TEXT NOT NULL,
			leverage INTEGER NOT NULL,
			margin_mode TEXT NOT NULL,
			source_signal_id TEXT,
			created_at DATETIME NOT NULL,
			opened_at DATETIME,
			closed_at DATETIME,
			exit_price TEXT,
			realized_pnl TEXT,
			exit_reason TEXT NOT NULL DEFAULT 'NONE',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state)`,

		// The duplicate-execution guard: at most one non-terminal
		// position per (symbol, direction). Insert and check are a
		// single atomic operation against this index.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active
			ON positions(symbol, direction)
			WHERE state IN ('PENDING', 'OPEN')`,

		`CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price TEXT,
			stop_loss_price TEXT,
			take_profit_price TEXT,
			received_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_received ON signals(received_at)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// CreatePositionIfAbsent inserts a position; the partial unique index
// rejects a second non-terminal position for the same symbol/direction.
func (r *SQLiteRepository) CreatePositionIfAbsent(ctx context.Context, p *types.TrackedPosition) error {
	query := `INSERT INTO positions
		(id, symbol, direction, state, entry_order_ref, stop_order_ref, target_order_ref,
		 quantity, entry_price, stop_loss_price, take_profit_price, leverage, margin_mode,
		 source_signal_id, created_at, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.Symbol,
		p.Direction.String(),
		p.State.String(),
		nullStr(p.EntryOrderRef),
		nullStr(p.StopOrderRef),
		nullStr(p.TargetOrderRef),
		p.Quantity.String(),
		p.EntryPrice.String(),
		p.StopLossPrice.String(),
		p.TakeProfitPrice.String(),
		p.Leverage,
		p.MarginMode.String(),
		nullStr(p.SourceSignalID),
		p.CreatedAt,
		p.ExitReason.String(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s %s", types.ErrDuplicatePosition, p.Symbol, p.Direction)
		}
		return fmt.Errorf("insert position: %w", err)
	}

	return nil
}

// UpdatePosition persists the current state of a position record. A row
// already in a terminal state is never rewritten; closures and
// cancellations are final in the durable book.
func (r *SQLiteRepository) UpdatePosition(ctx context.Context, p *types.TrackedPosition) error {
	query := `UPDATE positions SET
		state = ?, entry_order_ref = ?, stop_order_ref = ?, target_order_ref = ?,
		quantity = ?, entry_price = ?, stop_loss_price = ?, take_profit_price = ?,
		opened_at = ?, closed_at = ?, exit_price = ?, realized_pnl = ?, exit_reason = ?,
		updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state NOT IN ('CLOSED', 'CANCELLED')`

	res, err := r.db.ExecContext(ctx, query,
		p.State.String(),
		nullStr(p.EntryOrderRef),
		nullStr(p.StopOrderRef),
		nullStr(p.TargetOrderRef),
		p.Quantity.String(),
		p.EntryPrice.String(),
		p.StopLossPrice.String(),
		p.TakeProfitPrice.String(),
		nullTime(p.OpenedAt),
		nullTime(p.ClosedAt),
		nullDec(p.ExitPrice),
		nullDec(p.RealizedPnl),
		p.ExitReason.String(),
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if affected == 0 {
		var state string
		err := r.db.QueryRowContext(ctx,
			`SELECT state FROM positions WHERE id = ?`, p.ID).Scan(&state)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", types.ErrPositionNotFound, p.ID)
		}
		if err != nil {
			return fmt.Errorf("query position state: %w", err)
		}
		return fmt.Errorf("%w: position %s is %s", types.ErrInvalidTransition, p.ID, state)
	}

	return nil
}

// HasActivePosition reports whether a non-terminal position exists for
// the (symbol, direction) key.
func (r *SQLiteRepository) HasActivePosition(ctx context.Context, symbol string, d types.Direction) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM positions
		WHERE symbol = ? AND direction = ? AND state IN ('PENDING', 'OPEN'))`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, symbol, d.String()).Scan(&exists); err != nil {
		return false, fmt.Errorf("query active position: %w", err)
	}
	return exists, nil
}

const positionColumns = `id, symbol, direction, state, entry_order_ref, stop_order_ref,
	target_order_ref, quantity, entry_price, stop_loss_price, take_profit_price,
	leverage, margin_mode, source_signal_id, created_at, opened_at, closed_at,
	exit_price, realized_pnl, exit_reason`

// GetPosition returns a position by id.
func (r *SQLiteRepository) GetPosition(ctx context.Context, id string) (*types.TrackedPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	p, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", types.ErrPositionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// GetActivePositions returns all PENDING and OPEN positions.
func (r *SQLiteRepository) GetActivePositions(ctx context.Context) ([]*types.TrackedPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE state IN ('PENDING', 'OPEN') ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPositions(rows)
}

// GetPositionsBySymbol returns every position recorded for a symbol,
// newest first, regardless of state.
func (r *SQLiteRepository) GetPositionsBySymbol(ctx context.Context, symbol string) ([]*types.TrackedPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE symbol = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("query positions by symbol: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPositions(rows)
}

// GetClosedPositions returns terminal positions, most recent first.
func (r *SQLiteRepository) GetClosedPositions(ctx context.Context, limit int) ([]*types.TrackedPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM positions
		WHERE state IN ('CLOSED', 'CANCELLED') ORDER BY closed_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanPositions(rows)
}

// SaveSignal stores a consumed trade intent.
func (r *SQLiteRepository) SaveSignal(ctx context.Context, rec SignalRecord) error {
	query := `INSERT INTO signals
		(source_signal_id, symbol, direction, entry_price, stop_loss_price, take_profit_price, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.SourceSignalID,
		rec.Symbol,
		rec.Direction.String(),
		nullDec(rec.EntryPrice),
		nullDec(rec.StopLossPrice),
		nullDec(rec.TakeProfitPrice),
		rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	return nil
}

// GetSignals returns consumed signals, most recent first. A negative
// limit returns all of them.
func (r *SQLiteRepository) GetSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	query := `SELECT id, source_signal_id, symbol, direction,
		entry_price, stop_loss_price, take_profit_price, received_at
		FROM signals ORDER BY received_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []SignalRecord
	for rows.Next() {
		var rec SignalRecord
		var direction string
		var entry, stop, target sql.NullString

		if err := rows.Scan(&rec.ID, &rec.SourceSignalID, &rec.Symbol, &direction,
			&entry, &stop, &target, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}

		rec.Direction, _ = types.ParseDirection(direction)
		if entry.Valid {
			d, _ := decimal.NewFromString(entry.String)
			rec.EntryPrice = &d
		}
		if stop.Valid {
			d, _ := decimal.NewFromString(stop.String)
			rec.StopLossPrice = &d
		}
		if target.Valid {
			d, _ := decimal.NewFromString(target.String)
			rec.TakeProfitPrice = &d
		}

		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.TrackedPosition, error) {
	var p types.TrackedPosition
	var direction, state, marginMode, exitReason string
	var entryRef, stopRef, targetRef, signalID sql.NullString
	var quantity, entryPrice, stopPrice, targetPrice string
	var exitPrice, realizedPnl sql.NullString
	var openedAt, closedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.Symbol, &direction, &state,
		&entryRef, &stopRef, &targetRef,
		&quantity, &entryPrice, &stopPrice, &targetPrice,
		&p.Leverage, &marginMode, &signalID,
		&p.CreatedAt, &openedAt, &closedAt,
		&exitPrice, &realizedPnl, &exitReason,
	)
	if err != nil {
		return nil, err
	}

	p.Direction, _ = types.ParseDirection(direction)
	p.State, _ = types.ParsePositionState(state)
	p.MarginMode, _ = types.ParseMarginMode(marginMode)
	p.ExitReason = types.ParseExitReason(exitReason)
	p.EntryOrderRef = entryRef.String
	p.StopOrderRef = stopRef.String
	p.TargetOrderRef = targetRef.String
	p.SourceSignalID = signalID.String

	p.Quantity, _ = decimal.NewFromString(quantity)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.StopLossPrice, _ = decimal.NewFromString(stopPrice)
	p.TakeProfitPrice, _ = decimal.NewFromString(targetPrice)

	if openedAt.Valid {
		t := openedAt.Time
		p.OpenedAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	if exitPrice.Valid {
		d, _ := decimal.NewFromString(exitPrice.String)
		p.ExitPrice = &d
	}
	if realizedPnl.Valid {
		d, _ := decimal.NewFromString(realizedPnl.String)
		p.RealizedPnl = &d
	}

	return &p, nil
}

func scanPositions(rows *sql.Rows) ([]*types.TrackedPosition, error) {
	var positions []*types.TrackedPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullDec(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}
