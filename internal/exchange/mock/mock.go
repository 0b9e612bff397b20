// Package mock provides a scripted exchange client for tests and paper
// runs.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/types"
)

// Client implements exchange.Client with overridable behavior. Every
// method records its call and delegates to the corresponding Func field
// when set; otherwise a permissive default applies: rules resolve,
// leverage/margin calls succeed, market orders fill immediately and
// limit or conditional orders rest as NEW.
type Client struct {
	RulesFunc         func(ctx context.Context, symbol string) (types.SymbolRules, error)
	MarkPriceFunc     func(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverageFunc   func(ctx context.Context, symbol string, leverage int) error
	SetMarginModeFunc func(ctx context.Context, symbol string, mode types.MarginMode) error
	PlaceOrderFunc    func(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
	OrderStatusFunc   func(ctx context.Context, symbol, ref string) (exchange.OrderInfo, error)
	CancelOrderFunc   func(ctx context.Context, symbol, ref string) error
	CancelAllFunc     func(ctx context.Context, symbol string) error
	OpenPositionsFunc func(ctx context.Context) ([]exchange.PositionInfo, error)

	mu      sync.Mutex
	calls   []string
	orders  []exchange.OrderRequest
	nextRef atomic.Int64
}

// New creates a mock client.
func New() *Client {
	return &Client{}
}

func (c *Client) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

// Calls returns the recorded method calls in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was called.
func (c *Client) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == method {
			n++
		}
	}
	return n
}

// Orders returns all order requests placed through the mock.
func (c *Client) Orders() []exchange.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exchange.OrderRequest, len(c.orders))
	copy(out, c.orders)
	return out
}

// DefaultRules is the rule set returned when RulesFunc is unset.
func DefaultRules(symbol string) types.SymbolRules {
	return types.SymbolRules{
		Symbol:       symbol,
		PriceStep:    decimal.RequireFromString("0.01"),
		QuantityStep: decimal.RequireFromString("0.001"),
		MinNotional:  decimal.RequireFromString("5"),
		MaxLeverage:  125,
	}
}

func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error) {
	c.record("GetSymbolRules")
	if c.RulesFunc != nil {
		return c.RulesFunc(ctx, symbol)
	}
	return DefaultRules(symbol), nil
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.record("GetMarkPrice")
	if c.MarkPriceFunc != nil {
		return c.MarkPriceFunc(ctx, symbol)
	}
	return decimal.RequireFromString("42000"), nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	c.record("SetLeverage")
	if c.SetLeverageFunc != nil {
		return c.SetLeverageFunc(ctx, symbol, leverage)
	}
	return nil
}

func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error {
	c.record("SetMarginMode")
	if c.SetMarginModeFunc != nil {
		return c.SetMarginModeFunc(ctx, symbol, mode)
	}
	return nil
}

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	c.record("PlaceOrder")
	c.mu.Lock()
	c.orders = append(c.orders, req)
	c.mu.Unlock()

	if c.PlaceOrderFunc != nil {
		return c.PlaceOrderFunc(ctx, req)
	}

	ref := fmt.Sprintf("mock-%d", c.nextRef.Add(1))
	res := exchange.OrderResult{
		Ref:           ref,
		ClientOrderID: req.ClientOrderID,
		Status:        exchange.StatusNew,
	}
	if req.Type == exchange.OrderMarket {
		res.Status = exchange.StatusFilled
		res.FilledQuantity = req.Quantity
		res.AvgFillPrice = decimal.RequireFromString("42000")
	}
	return res, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, ref string) (exchange.OrderInfo, error) {
	c.record("GetOrderStatus")
	if c.OrderStatusFunc != nil {
		return c.OrderStatusFunc(ctx, symbol, ref)
	}
	return exchange.OrderInfo{Ref: ref, Symbol: symbol, Status: exchange.StatusNew}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, ref string) error {
	c.record("CancelOrder")
	if c.CancelOrderFunc != nil {
		return c.CancelOrderFunc(ctx, symbol, ref)
	}
	return nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	c.record("CancelAllOrders")
	if c.CancelAllFunc != nil {
		return c.CancelAllFunc(ctx, symbol)
	}
	return nil
}

func (c *Client) GetOpenPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	c.record("GetOpenPositions")
	if c.OpenPositionsFunc != nil {
		return c.OpenPositionsFunc(ctx)
	}
	return nil, nil
}

var _ exchange.Client = (*Client)(nil)
