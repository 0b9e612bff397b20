package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/types"
)

func TestSign(t *testing.T) {
	// Reference vector from the Binance API documentation.
	secret := "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	if got := sign(secret, query); got != want {
		t.Errorf("sign() = %s, want %s", got, want)
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.APISecret = "test-secret"
	cfg.BaseURL = server.URL
	cfg.MaxRequestsPerSecond = 1000

	return NewClient(cfg, nil)
}

func TestGetSymbolRules(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"symbols": []map[string]any{{
					"symbol": "BTCUSDT",
					"status": "TRADING",
					"filters": []map[string]any{
						{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
						{"filterType": "LOT_SIZE", "stepSize": "0.00100000"},
						{"filterType": "MIN_NOTIONAL", "notional": "100"},
					},
				}},
			})
		case "/fapi/v1/leverageBracket":
			if r.Header.Get("X-MBX-APIKEY") != "test-key" {
				t.Error("missing API key header on signed request")
			}
			if r.URL.Query().Get("signature") == "" {
				t.Error("missing signature on signed request")
			}
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"symbol": "BTCUSDT",
				"brackets": []map[string]any{
					{"initialLeverage": 125},
					{"initialLeverage": 100},
				},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	rules, err := client.GetSymbolRules(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetSymbolRules() error = %v", err)
	}

	if !rules.PriceStep.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("PriceStep = %s, want 0.10", rules.PriceStep)
	}
	// The padded step string must survive as an exact decimal.
	if !rules.QuantityStep.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("QuantityStep = %s, want 0.001", rules.QuantityStep)
	}
	if !rules.MinNotional.Equal(decimal.RequireFromString("100")) {
		t.Errorf("MinNotional = %s, want 100", rules.MinNotional)
	}
	if rules.MaxLeverage != 125 {
		t.Errorf("MaxLeverage = %d, want 125", rules.MaxLeverage)
	}
}

func TestGetSymbolRules_UnknownSymbol(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"symbols": []any{}})
	})

	_, err := client.GetSymbolRules(context.Background(), "NOPEUSDT")
	if !errors.Is(err, types.ErrUnknownSymbol) {
		t.Errorf("error = %v, want ErrUnknownSymbol", err)
	}
}

func TestGetSymbolRules_LeverageBracketFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"symbols": []map[string]any{{
					"symbol": "BTCUSDT",
					"filters": []map[string]any{
						{"filterType": "PRICE_FILTER", "tickSize": "0.10"},
						{"filterType": "LOT_SIZE", "stepSize": "0.001"},
					},
				}},
			})
		case "/fapi/v1/leverageBracket":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"code":-1000,"msg":"internal error"}`))
		}
	})

	rules, err := client.GetSymbolRules(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetSymbolRules() error = %v", err)
	}
	if rules.MaxLeverage != 20 {
		t.Errorf("MaxLeverage = %d, want fallback 20", rules.MaxLeverage)
	}
	// MIN_NOTIONAL filter absent falls back to the venue default.
	if !rules.MinNotional.Equal(decimal.RequireFromString("5")) {
		t.Errorf("MinNotional = %s, want default 5", rules.MinNotional)
	}
}

func TestSetMarginMode_AlreadySetTolerated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})

	err := client.SetMarginMode(context.Background(), "BTCUSDT", types.MarginIsolated)
	if err != nil {
		t.Errorf("SetMarginMode() error = %v, want nil for code -4046", err)
	}
}

func TestSetMarginMode_OtherErrorSurfaced(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4047,"msg":"Margin type cannot be changed if there exists position."}`))
	})

	err := client.SetMarginMode(context.Background(), "BTCUSDT", types.MarginIsolated)
	if !errors.Is(err, types.ErrExchangeRejected) {
		t.Errorf("error = %v, want ErrExchangeRejected", err)
	}
}

func TestPlaceOrder(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("side") != "BUY" || q.Get("type") != "MARKET" {
			t.Errorf("unexpected order params: %v", q)
		}
		if q.Get("newClientOrderId") != "entry-abc" {
			t.Errorf("newClientOrderId = %s, want entry-abc", q.Get("newClientOrderId"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId":       123456,
			"clientOrderId": "entry-abc",
			"status":        "FILLED",
			"avgPrice":      "42001.50",
			"executedQty":   "0.476",
		})
	})

	res, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderMarket,
		Quantity:      decimal.RequireFromString("0.476"),
		ClientOrderID: "entry-abc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}

	if res.Ref != "123456" {
		t.Errorf("Ref = %s, want 123456", res.Ref)
	}
	if res.Status != exchange.StatusFilled {
		t.Errorf("Status = %v, want FILLED", res.Status)
	}
	if !res.AvgFillPrice.Equal(decimal.RequireFromString("42001.5")) {
		t.Errorf("AvgFillPrice = %s, want 42001.5", res.AvgFillPrice)
	}
}

func TestPlaceOrder_StopSendsTriggerPrice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") != "STOP_MARKET" {
			t.Errorf("type = %s, want STOP_MARKET", q.Get("type"))
		}
		if q.Get("stopPrice") != "39900" {
			t.Errorf("stopPrice = %s, want 39900", q.Get("stopPrice"))
		}
		if q.Get("reduceOnly") != "true" {
			t.Error("expected reduceOnly=true")
		}
		if q.Get("price") != "" {
			t.Error("conditional market order must not carry a limit price")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId": 7, "status": "NEW",
		})
	})

	_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         exchange.SideSell,
		Type:         exchange.OrderStopMarket,
		Quantity:     decimal.RequireFromString("0.476"),
		TriggerPrice: decimal.RequireFromString("39900"),
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
}

func TestPlaceOrder_WouldTriggerImmediately(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2021,"msg":"Order would immediately trigger."}`))
	})

	_, err := client.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:       "BTCUSDT",
		Side:         exchange.SideSell,
		Type:         exchange.OrderTakeProfit,
		Quantity:     decimal.RequireFromString("0.476"),
		TriggerPrice: decimal.RequireFromString("43050"),
		ReduceOnly:   true,
	})
	if !errors.Is(err, types.ErrExchangeRejected) {
		t.Fatalf("error = %v, want ErrExchangeRejected", err)
	}

	// The venue code survives in the chain for the caller to inspect.
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatal("expected *apiError in chain")
	}
	if apiErr.Code != codeWouldTriggerImmediately {
		t.Errorf("code = %d, want %d", apiErr.Code, codeWouldTriggerImmediately)
	}
}

func TestRequest_ServerErrorIsUpstreamUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	})

	_, err := client.GetMarkPrice(context.Background(), "BTCUSDT")
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestGetOpenPositions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"symbol":           "BTCUSDT",
				"positionAmt":      "0.476",
				"entryPrice":       "42000.0",
				"markPrice":        "42100.0",
				"unRealizedProfit": "47.60",
				"leverage":         "20",
				"marginType":       "isolated",
			},
			{
				"symbol":           "ETHUSDT",
				"positionAmt":      "-2.5",
				"entryPrice":       "3000.0",
				"markPrice":        "2990.0",
				"unRealizedProfit": "25.00",
				"leverage":         "10",
				"marginType":       "cross",
			},
			{
				"symbol":           "SOLUSDT",
				"positionAmt":      "0",
				"entryPrice":       "0.0",
				"markPrice":        "150.0",
				"unRealizedProfit": "0.00",
				"leverage":         "20",
				"marginType":       "cross",
			},
		})
	})

	positions, err := client.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions() error = %v", err)
	}

	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2 (zero amounts filtered)", len(positions))
	}

	btc := positions[0]
	if btc.Direction != types.DirectionLong {
		t.Errorf("BTC direction = %v, want LONG", btc.Direction)
	}
	if btc.MarginMode != types.MarginIsolated {
		t.Errorf("BTC margin mode = %v, want ISOLATED", btc.MarginMode)
	}

	eth := positions[1]
	if eth.Direction != types.DirectionShort {
		t.Errorf("ETH direction = %v, want SHORT", eth.Direction)
	}
	if !eth.Quantity.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("ETH quantity = %s, want 2.5 (absolute)", eth.Quantity)
	}
	if eth.Leverage != 10 {
		t.Errorf("ETH leverage = %d, want 10", eth.Leverage)
	}
}
