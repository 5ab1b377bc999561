package clarify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// AssetChecker reports whether a symbol can be traded. Implementations
// answer from local state; checking never blocks on the network.
type AssetChecker interface {
	Known(symbol string) bool
}

// Compile-time interface check.
var _ AssetChecker = (*AlpacaAssets)(nil)

// AlpacaAssets holds the set of active, tradable US equities listed by the
// Alpaca trading API. Load fetches the list once; until it succeeds every
// symbol is accepted.
type AlpacaAssets struct {
	client *alpacaapi.Client
	log    *slog.Logger

	mu      sync.RWMutex
	symbols map[string]bool
}

// NewAlpacaAssets creates an asset checker backed by the Alpaca API.
func NewAlpacaAssets(apiKey, apiSecret, baseURL string, log *slog.Logger) *AlpacaAssets {
	return &AlpacaAssets{
		client: alpacaapi.NewClient(alpacaapi.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: log,
	}
}

// Load fetches active assets and replaces the cached symbol set.
func (a *AlpacaAssets) Load() error {
	assets, err := a.client.GetAssets(alpacaapi.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return fmt.Errorf("listing alpaca assets: %w", err)
	}
	symbols := make(map[string]bool, len(assets))
	for _, asset := range assets {
		if asset.Tradable {
			symbols[strings.ToUpper(asset.Symbol)] = true
		}
	}
	a.mu.Lock()
	a.symbols = symbols
	a.mu.Unlock()
	a.log.Info("loaded tradable assets", "count", len(symbols))
	return nil
}

// Known reports whether symbol is tradable. Before a successful Load all
// symbols are accepted.
func (a *AlpacaAssets) Known(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.symbols == nil {
		return true
	}
	return a.symbols[strings.ToUpper(symbol)]
}

// StaticAssets is an AssetChecker over a fixed symbol list.
type StaticAssets map[string]bool

// NewStaticAssets builds a StaticAssets from symbols.
func NewStaticAssets(symbols ...string) StaticAssets {
	s := make(StaticAssets, len(symbols))
	for _, sym := range symbols {
		s[strings.ToUpper(sym)] = true
	}
	return s
}

// Known reports whether symbol is in the list.
func (s StaticAssets) Known(symbol string) bool {
	return s[strings.ToUpper(symbol)]
}
