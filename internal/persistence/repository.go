// Package persistence provides durable storage for tracked positions
// and consumed signals. It is the single source of truth the request
// path and the reconciler coordinate through.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/types"
)

// Repository defines the storage contract the engine requires.
type Repository interface {
	// CreatePositionIfAbsent inserts a new position atomically,
	// failing with types.ErrDuplicatePosition if a PENDING or OPEN
	// position already exists for the same (symbol, direction). The
	// check and insert are one operation; there is no window for a
	// concurrent duplicate to slip through.
	CreatePositionIfAbsent(ctx context.Context, p *types.TrackedPosition) error

	UpdatePosition(ctx context.Context, p *types.TrackedPosition) error
	GetPosition(ctx context.Context, id string) (*types.TrackedPosition, error)

	// HasActivePosition reports whether a PENDING or OPEN position
	// exists for (symbol, direction). A fast-fail read; the unique
	// index behind CreatePositionIfAbsent stays the authority.
	HasActivePosition(ctx context.Context, symbol string, d types.Direction) (bool, error)

	// GetActivePositions returns all positions in PENDING or OPEN,
	// the set the reconciler diffs against the exchange.
	GetActivePositions(ctx context.Context) ([]*types.TrackedPosition, error)
	GetPositionsBySymbol(ctx context.Context, symbol string) ([]*types.TrackedPosition, error)
	GetClosedPositions(ctx context.Context, limit int) ([]*types.TrackedPosition, error)

	// SaveSignal stores a consumed trade intent for audit linkage.
	SaveSignal(ctx context.Context, rec SignalRecord) error
	GetSignals(ctx context.Context, limit int) ([]SignalRecord, error)

	Migrate(ctx context.Context) error
	Close() error
}

// SignalRecord is the audit copy of a consumed trade intent.
type SignalRecord struct {
	ID              int64
	SourceSignalID  string
	Symbol          string
	Direction       types.Direction
	EntryPrice      *decimal.Decimal
	StopLossPrice   *decimal.Decimal
	TakeProfitPrice *decimal.Decimal
	ReceivedAt      time.Time
}
