package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vqtran/bracketbot/internal/alerting"
	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/exchange/mock"
	"github.com/vqtran/bracketbot/internal/persistence"
	"github.com/vqtran/bracketbot/internal/types"
)

func newTestReconciler(t *testing.T, client *mock.Client) (*Reconciler, persistence.Repository, *alerting.MockAlerter) {
	t.Helper()

	repo, err := persistence.NewSQLiteRepository(filepath.Join(t.TempDir(), "reconcile_test.db"))
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	alerter := alerting.NewMockAlerter()
	rec := New(client, repo, alerter, 10*time.Millisecond, nil)
	return rec, repo, alerter
}

func seedPosition(t *testing.T, repo persistence.Repository, state types.PositionState) *types.TrackedPosition {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Second)
	p := &types.TrackedPosition{
		ID:              uuid.NewString(),
		Symbol:          "BTCUSDT",
		Direction:       types.DirectionLong,
		State:           types.StatePending,
		EntryOrderRef:   "entry-1",
		StopOrderRef:    "stop-1",
		TargetOrderRef:  "target-1",
		Quantity:        decimal.RequireFromString("0.5"),
		EntryPrice:      decimal.RequireFromString("42000"),
		StopLossPrice:   decimal.RequireFromString("39900"),
		TakeProfitPrice: decimal.RequireFromString("43050"),
		Leverage:        10,
		MarginMode:      types.MarginIsolated,
		SourceSignalID:  "sig-1",
		CreatedAt:       now,
	}
	if state == types.StateOpen {
		p.State = types.StateOpen
		opened := now
		p.OpenedAt = &opened
	}
	if err := repo.CreatePositionIfAbsent(context.Background(), p); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return p
}

// orderStatuses scripts GetOrderStatus per order ref.
func orderStatuses(client *mock.Client, statuses map[string]exchange.OrderInfo) {
	client.OrderStatusFunc = func(_ context.Context, symbol, ref string) (exchange.OrderInfo, error) {
		if info, ok := statuses[ref]; ok {
			return info, nil
		}
		return exchange.OrderInfo{Ref: ref, Symbol: symbol, Status: exchange.StatusNew}, nil
	}
}

func TestTick_PendingEntryFilled(t *testing.T) {
	client := mock.New()
	orderStatuses(client, map[string]exchange.OrderInfo{
		"entry-1": {
			Ref:          "entry-1",
			Status:       exchange.StatusFilled,
			AvgFillPrice: decimal.RequireFromString("41990"),
		},
	})
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StatePending)

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, err := repo.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if got.State != types.StateOpen {
		t.Errorf("state = %v, want StateOpen", got.State)
	}
	// Fill price overwrites the intended entry.
	if !got.EntryPrice.Equal(decimal.RequireFromString("41990")) {
		t.Errorf("entry = %s, want 41990", got.EntryPrice)
	}
	if got.OpenedAt == nil {
		t.Error("expected OpenedAt set")
	}
}

func TestTick_PendingEntryDead(t *testing.T) {
	for _, status := range []exchange.OrderStatus{
		exchange.StatusCancelled,
		exchange.StatusExpired,
		exchange.StatusRejected,
	} {
		t.Run(string(status), func(t *testing.T) {
			client := mock.New()
			orderStatuses(client, map[string]exchange.OrderInfo{
				"entry-1": {Ref: "entry-1", Status: status},
			})
			rec, repo, _ := newTestReconciler(t, client)
			ctx := context.Background()

			p := seedPosition(t, repo, types.StatePending)

			if err := rec.Tick(ctx); err != nil {
				t.Fatalf("Tick() error = %v", err)
			}

			got, err := repo.GetPosition(ctx, p.ID)
			if err != nil {
				t.Fatalf("GetPosition() error = %v", err)
			}
			if got.State != types.StateCancelled {
				t.Errorf("state = %v, want StateCancelled", got.State)
			}
		})
	}
}

func TestTick_PendingWithoutEntryOrderCancelled(t *testing.T) {
	client := mock.New()
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StatePending)
	p.EntryOrderRef = ""
	if err := repo.UpdatePosition(ctx, p); err != nil {
		t.Fatalf("UpdatePosition() error = %v", err)
	}

	// Aged well past the grace period.
	rec.now = func() time.Time { return time.Now().Add(time.Minute) }

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, _ := repo.GetPosition(ctx, p.ID)
	if got.State != types.StateCancelled {
		t.Errorf("state = %v, want StateCancelled", got.State)
	}
}

func TestTick_FreshPendingWithoutEntryOrderLeftAlone(t *testing.T) {
	client := mock.New()
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	// The engine persists the record before placing the entry order, so
	// a just-created ref-less row is an execution in flight. A tick in
	// that window must not cancel it.
	p := seedPosition(t, repo, types.StatePending)
	p.EntryOrderRef = ""
	if err := repo.UpdatePosition(ctx, p); err != nil {
		t.Fatalf("UpdatePosition() error = %v", err)
	}
	rec.now = func() time.Time { return p.CreatedAt }

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, _ := repo.GetPosition(ctx, p.ID)
	if got.State != types.StatePending {
		t.Errorf("state = %v, want StatePending", got.State)
	}
}

func TestTick_OpenVanishedStopHit(t *testing.T) {
	client := mock.New()
	orderStatuses(client, map[string]exchange.OrderInfo{
		"stop-1": {
			Ref:          "stop-1",
			Status:       exchange.StatusFilled,
			AvgFillPrice: decimal.RequireFromString("39895"),
		},
	})
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StateOpen)

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, err := repo.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	if got.State != types.StateClosed {
		t.Errorf("state = %v, want StateClosed", got.State)
	}
	if got.ExitReason != types.ExitStopHit {
		t.Errorf("exit reason = %v, want ExitStopHit", got.ExitReason)
	}
	if got.ExitPrice == nil || !got.ExitPrice.Equal(decimal.RequireFromString("39895")) {
		t.Errorf("exit price = %v, want 39895", got.ExitPrice)
	}
	// LONG 0.5 from 42000 to 39895 loses 1052.5.
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(decimal.RequireFromString("-1052.5")) {
		t.Errorf("pnl = %v, want -1052.5", got.RealizedPnl)
	}

	// The target leg is cancelled once the stop consumed the position.
	if client.CallCount("CancelOrder") != 1 {
		t.Errorf("CancelOrder calls = %d, want 1", client.CallCount("CancelOrder"))
	}
}

func TestTick_OpenVanishedTargetHit(t *testing.T) {
	client := mock.New()
	orderStatuses(client, map[string]exchange.OrderInfo{
		"target-1": {
			Ref:          "target-1",
			Status:       exchange.StatusFilled,
			AvgFillPrice: decimal.RequireFromString("43060"),
		},
	})
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StateOpen)

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, _ := repo.GetPosition(ctx, p.ID)
	if got.ExitReason != types.ExitTargetHit {
		t.Errorf("exit reason = %v, want ExitTargetHit", got.ExitReason)
	}
	if got.RealizedPnl == nil || !got.RealizedPnl.Equal(decimal.RequireFromString("530")) {
		t.Errorf("pnl = %v, want 530", got.RealizedPnl)
	}
}

func TestTick_OpenVanishedLiquidation(t *testing.T) {
	client := mock.New()
	client.MarkPriceFunc = func(_ context.Context, _ string) (decimal.Decimal, error) {
		return decimal.RequireFromString("35000"), nil
	}
	rec, repo, alerter := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StateOpen)

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, _ := repo.GetPosition(ctx, p.ID)
	if got.State != types.StateClosed {
		t.Errorf("state = %v, want StateClosed", got.State)
	}
	if got.ExitReason != types.ExitLiquidation {
		t.Errorf("exit reason = %v, want ExitLiquidation", got.ExitReason)
	}
	if got.ExitPrice == nil || !got.ExitPrice.Equal(decimal.RequireFromString("35000")) {
		t.Errorf("exit price = %v, want mark 35000", got.ExitPrice)
	}
	if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
		t.Error("expected high severity alert for liquidation")
	}
}

func TestTick_OpenStillOnExchangeUntouched(t *testing.T) {
	client := mock.New()
	client.OpenPositionsFunc = func(_ context.Context) ([]exchange.PositionInfo, error) {
		return []exchange.PositionInfo{{
			Symbol:    "BTCUSDT",
			Direction: types.DirectionLong,
			Quantity:  decimal.RequireFromString("0.5"),
		}}, nil
	}
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StateOpen)

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	got, _ := repo.GetPosition(ctx, p.ID)
	if got.State != types.StateOpen {
		t.Errorf("state = %v, want StateOpen", got.State)
	}
	if client.CallCount("GetOrderStatus") != 0 {
		t.Error("no order status lookups expected for a live position")
	}
}

func TestTick_UntrackedExchangePositionIsAnomaly(t *testing.T) {
	client := mock.New()
	client.OpenPositionsFunc = func(_ context.Context) ([]exchange.PositionInfo, error) {
		return []exchange.PositionInfo{{
			Symbol:     "DOGEUSDT",
			Direction:  types.DirectionShort,
			Quantity:   decimal.RequireFromString("1000"),
			EntryPrice: decimal.RequireFromString("0.1"),
		}}, nil
	}
	rec, repo, alerter := newTestReconciler(t, client)
	ctx := context.Background()

	if err := rec.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	if !alerter.HasAlertContaining("Untracked position") {
		t.Error("expected untracked position alert")
	}
	if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
		t.Error("expected high severity alert")
	}

	// Never adopted into the local book.
	active, _ := repo.GetActivePositions(ctx)
	if len(active) != 0 {
		t.Errorf("active positions = %d, want 0", len(active))
	}
}

func TestTick_UpstreamFailureReturnsError(t *testing.T) {
	client := mock.New()
	client.OpenPositionsFunc = func(_ context.Context) ([]exchange.PositionInfo, error) {
		return nil, fmt.Errorf("exchange down: %w", types.ErrUpstreamUnavailable)
	}
	rec, repo, _ := newTestReconciler(t, client)
	ctx := context.Background()

	p := seedPosition(t, repo, types.StateOpen)

	if err := rec.Tick(ctx); err == nil {
		t.Fatal("expected error from failed tick")
	}

	// Nothing changed; the next tick retries.
	got, _ := repo.GetPosition(ctx, p.ID)
	if got.State != types.StateOpen {
		t.Errorf("state = %v, want StateOpen", got.State)
	}
}

func TestStartStop(t *testing.T) {
	client := mock.New()
	rec, _, _ := newTestReconciler(t, client)
	ctx := context.Background()

	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := rec.Start(ctx); err == nil {
		t.Error("expected error on second Start()")
	}

	// Let at least one tick run.
	time.Sleep(30 * time.Millisecond)
	rec.Stop()
	rec.Stop() // idempotent

	if client.CallCount("GetOpenPositions") == 0 {
		t.Error("expected at least one tick")
	}
}

func TestLastTick(t *testing.T) {
	client := mock.New()
	rec, _, _ := newTestReconciler(t, client)

	if _, ok := rec.LastTick(); ok {
		t.Error("LastTick reported a pass before any tick ran")
	}

	at := time.Now().UTC().Truncate(time.Second)
	rec.now = func() time.Time { return at }
	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}

	last, ok := rec.LastTick()
	if !ok {
		t.Fatal("LastTick not recorded")
	}
	if !last.Equal(at) {
		t.Errorf("LastTick = %v, want %v", last, at)
	}
}
