package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/types"
)

// Binance error codes the client treats specially.
const (
	// codeMarginTypeUnchanged: the margin type is already set or cannot
	// change while a position exists. Already-set is the common case
	// and is treated as success.
	codeMarginTypeUnchanged = -4046
	// codeWouldTriggerImmediately: a conditional order's trigger price
	// is already breached. Surfaced to the caller, never masked.
	codeWouldTriggerImmediately = -2021
	// codeInvalidSymbol: the symbol does not exist on this venue.
	codeInvalidSymbol = -1121
)

const defaultMinNotional = "5"

// Client implements exchange.Client against the Binance futures REST API.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewClient creates a Binance futures client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = DefaultConfig().RecvWindow
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultConfig().MaxRequestsPerSecond
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		now:     time.Now,
	}
}

// sign returns the hex HMAC-SHA256 of the query string.
func sign(secret, queryString string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

// request performs one API call. Signed requests get timestamp,
// recvWindow and signature appended; the signature covers the sorted
// query string exactly as sent.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10))
	}

	query := params.Encode()
	if signed {
		query = query + "&signature=" + sign(c.cfg.APISecret, query)
	}

	reqURL := c.cfg.baseURL() + endpoint
	if query != "" {
		reqURL = reqURL + "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, endpoint, types.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.apiErrorFrom(method, endpoint, resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("parse response from %s: %w", endpoint, err)
		}
	}
	return nil
}

// apiErrorFrom maps an HTTP failure to the engine's sentinel errors,
// keeping the venue's code and message in the chain.
func (c *Client) apiErrorFrom(method, endpoint string, status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
		apiErr = apiError{Code: -status, Msg: strings.TrimSpace(string(body))}
	}

	c.logger.Warn("binance request failed",
		"method", method,
		"endpoint", endpoint,
		"status", status,
		"code", apiErr.Code,
		"msg", apiErr.Msg,
	)

	if status >= 500 || status == http.StatusTooManyRequests {
		return fmt.Errorf("%s %s: %w: %w", method, endpoint, types.ErrUpstreamUnavailable, &apiErr)
	}
	if apiErr.Code == codeInvalidSymbol {
		return fmt.Errorf("%s %s: %w: %w", method, endpoint, types.ErrUnknownSymbol, &apiErr)
	}
	return fmt.Errorf("%s %s: %w: %w", method, endpoint, types.ErrExchangeRejected, &apiErr)
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

type leverageBracketResponse []struct {
	Symbol   string `json:"symbol"`
	Brackets []struct {
		InitialLeverage int `json:"initialLeverage"`
	} `json:"brackets"`
}

// GetSymbolRules fetches the trading constraints for one symbol. The
// filter strings are parsed as decimals untouched, so a padded step
// like "0.00100000" keeps its real scale.
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var info exchangeInfoResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &info); err != nil {
		return types.SymbolRules{}, err
	}

	rules := types.SymbolRules{
		Symbol:      symbol,
		MinNotional: decimal.RequireFromString(defaultMinNotional),
		MaxLeverage: 20,
	}

	found := false
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		found = true
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				v, err := decimal.NewFromString(f.TickSize)
				if err != nil {
					return types.SymbolRules{}, fmt.Errorf("parse tickSize for %s: %w", symbol, err)
				}
				rules.PriceStep = v
			case "LOT_SIZE":
				v, err := decimal.NewFromString(f.StepSize)
				if err != nil {
					return types.SymbolRules{}, fmt.Errorf("parse stepSize for %s: %w", symbol, err)
				}
				rules.QuantityStep = v
			case "MIN_NOTIONAL":
				if f.Notional == "" {
					continue
				}
				v, err := decimal.NewFromString(f.Notional)
				if err != nil {
					return types.SymbolRules{}, fmt.Errorf("parse notional for %s: %w", symbol, err)
				}
				rules.MinNotional = v
			}
		}
	}
	if !found {
		return types.SymbolRules{}, fmt.Errorf("symbol %s: %w", symbol, types.ErrUnknownSymbol)
	}
	if rules.PriceStep.IsZero() || rules.QuantityStep.IsZero() {
		return types.SymbolRules{}, fmt.Errorf("symbol %s missing price or lot filter: %w", symbol, types.ErrUnknownSymbol)
	}

	rules.MaxLeverage = c.maxLeverage(ctx, symbol)
	return rules, nil
}

// maxLeverage reads the first leverage bracket. Failures fall back to
// the conservative default so a rules fetch never dies on this call.
func (c *Client) maxLeverage(ctx context.Context, symbol string) int {
	params := url.Values{}
	params.Set("symbol", symbol)

	var brackets leverageBracketResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, true, &brackets); err != nil {
		c.logger.Warn("failed to fetch leverage bracket, using default",
			"symbol", symbol, "default", 20, "err", err)
		return 20
	}

	for _, item := range brackets {
		if item.Symbol == symbol && len(item.Brackets) > 0 {
			return item.Brackets[0].InitialLeverage
		}
	}
	return 20
}

// GetMarkPrice returns the current price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		Price string `json:"price"`
	}
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &out); err != nil {
		return decimal.Zero, err
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price for %s: %w", symbol, err)
	}
	return price, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	if err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil); err != nil {
		return err
	}

	c.logger.Info("leverage set", "symbol", symbol, "leverage", leverage)
	return nil
}

// SetMarginMode sets the margin mode for a symbol. The venue rejecting
// the change because the mode is already set counts as success.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", mode.Wire())

	err := c.request(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == codeMarginTypeUnchanged {
			c.logger.Debug("margin mode unchanged", "symbol", symbol, "mode", mode.String())
			return nil
		}
		return err
	}

	c.logger.Info("margin mode set", "symbol", symbol, "mode", mode.String())
	return nil
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	OrigQty       string `json:"origQty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
}

// PlaceOrder submits one order. RESULT response type is requested so
// market fills report their average price immediately.
func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "RESULT")

	if req.Type == exchange.OrderLimit {
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if !req.TriggerPrice.IsZero() {
		params.Set("stopPrice", req.TriggerPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	var out orderResponse
	if err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, &out); err != nil {
		return exchange.OrderResult{}, err
	}

	result := exchange.OrderResult{
		Ref:           strconv.FormatInt(out.OrderID, 10),
		ClientOrderID: out.ClientOrderID,
		Status:        exchange.OrderStatus(out.Status),
	}
	if out.AvgPrice != "" {
		v, err := decimal.NewFromString(out.AvgPrice)
		if err != nil {
			return exchange.OrderResult{}, fmt.Errorf("parse avgPrice: %w", err)
		}
		result.AvgFillPrice = v
	}
	if out.ExecutedQty != "" {
		v, err := decimal.NewFromString(out.ExecutedQty)
		if err != nil {
			return exchange.OrderResult{}, fmt.Errorf("parse executedQty: %w", err)
		}
		result.FilledQuantity = v
	}

	c.logger.Info("order placed",
		"symbol", req.Symbol,
		"type", string(req.Type),
		"side", string(req.Side),
		"order_id", result.Ref,
		"status", string(result.Status),
	)
	return result, nil
}

// GetOrderStatus fetches one order by its exchange reference.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, ref string) (exchange.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", ref)

	var out orderResponse
	if err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, &out); err != nil {
		return exchange.OrderInfo{}, err
	}

	info := exchange.OrderInfo{
		Ref:        strconv.FormatInt(out.OrderID, 10),
		Symbol:     symbol,
		Side:       exchange.OrderSide(out.Side),
		Type:       exchange.OrderType(out.Type),
		Status:     exchange.OrderStatus(out.Status),
		ReduceOnly: out.ReduceOnly,
	}
	if out.OrigQty != "" {
		v, err := decimal.NewFromString(out.OrigQty)
		if err != nil {
			return exchange.OrderInfo{}, fmt.Errorf("parse origQty: %w", err)
		}
		info.Quantity = v
	}
	if out.AvgPrice != "" {
		v, err := decimal.NewFromString(out.AvgPrice)
		if err != nil {
			return exchange.OrderInfo{}, fmt.Errorf("parse avgPrice: %w", err)
		}
		info.AvgFillPrice = v
	}
	if out.ExecutedQty != "" {
		v, err := decimal.NewFromString(out.ExecutedQty)
		if err != nil {
			return exchange.OrderInfo{}, fmt.Errorf("parse executedQty: %w", err)
		}
		info.FilledQuantity = v
	}
	return info, nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol, ref string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", ref)

	return c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

// CancelAllOrders cancels every resting order on a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	return c.request(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil)
}

type positionRiskEntry struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
}

// GetOpenPositions returns every position with a nonzero amount. The
// sign of positionAmt carries the direction.
func (c *Client) GetOpenPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	var entries []positionRiskEntry
	if err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &entries); err != nil {
		return nil, err
	}

	var positions []exchange.PositionInfo
	for _, e := range entries {
		amt, err := decimal.NewFromString(e.PositionAmt)
		if err != nil {
			return nil, fmt.Errorf("parse positionAmt for %s: %w", e.Symbol, err)
		}
		if amt.IsZero() {
			continue
		}

		direction := types.DirectionLong
		if amt.IsNegative() {
			direction = types.DirectionShort
		}

		entry, err := decimal.NewFromString(e.EntryPrice)
		if err != nil {
			return nil, fmt.Errorf("parse entryPrice for %s: %w", e.Symbol, err)
		}
		mark, err := decimal.NewFromString(e.MarkPrice)
		if err != nil {
			return nil, fmt.Errorf("parse markPrice for %s: %w", e.Symbol, err)
		}
		pnl, err := decimal.NewFromString(e.UnrealizedProfit)
		if err != nil {
			return nil, fmt.Errorf("parse unRealizedProfit for %s: %w", e.Symbol, err)
		}
		leverage, err := strconv.Atoi(e.Leverage)
		if err != nil {
			return nil, fmt.Errorf("parse leverage for %s: %w", e.Symbol, err)
		}

		mode, _ := types.ParseMarginMode(strings.ToUpper(e.MarginType))

		positions = append(positions, exchange.PositionInfo{
			Symbol:        e.Symbol,
			Direction:     direction,
			Quantity:      amt.Abs(),
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnl: pnl,
			Leverage:      leverage,
			MarginMode:    mode,
		})
	}
	return positions, nil
}

var _ exchange.Client = (*Client)(nil)
