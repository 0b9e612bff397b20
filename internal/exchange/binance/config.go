// Package binance provides Binance USDT-M futures connectivity.
package binance

import (
	"time"
)

// API base URLs.
const (
	MainnetBaseURL = "https://fapi.binance.com"
	TestnetBaseURL = "https://testnet.binancefuture.com"
)

// Config holds Binance connection configuration.
type Config struct {
	APIKey    string
	APISecret string

	// Testnet selects the futures testnet base URL.
	Testnet bool
	// BaseURL overrides the derived base URL when set. Used by tests.
	BaseURL string

	RequestTimeout time.Duration
	RecvWindow     time.Duration

	// Rate limiting
	MaxRequestsPerSecond int
}

// DefaultConfig returns default Binance configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:       10 * time.Second,
		RecvWindow:           10 * time.Second,
		MaxRequestsPerSecond: 5,
	}
}

func (c Config) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.Testnet {
		return TestnetBaseURL
	}
	return MainnetBaseURL
}
