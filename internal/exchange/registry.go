package exchange

import (
	"fmt"

	"whale-copy-trader/config"
)

// TradableVenues lists the venues the engine can place orders on.
// Hyperliquid is watch-only; whale positions are mirrored onto a CEX.
var TradableVenues = []string{Binance, Bybit, OKX, Bitget}

// Registry builds trading adapters per venue from configured credentials.
// In dry-run mode every venue resolves to a mock adapter.
type Registry struct {
	cfg      config.ExchangesConfig
	timeouts HTTPTimeouts
	dryRun   bool
	mocks    map[string]*MockAdapter
}

func NewRegistry(cfg config.ExchangesConfig, dryRun bool) *Registry {
	r := &Registry{
		cfg:      cfg,
		timeouts: DefaultTimeouts(),
		dryRun:   dryRun,
	}
	if dryRun {
		r.mocks = make(map[string]*MockAdapter)
		for _, venue := range TradableVenues {
			r.mocks[venue] = NewMockAdapter(venue)
		}
	}
	return r
}

// Adapter returns a fresh adapter for the venue. Callers own the session:
// Initialize before use, Close when done. Dry-run returns a shared mock so
// tests can inspect placed orders.
func (r *Registry) Adapter(venue string) (Adapter, error) {
	if r.dryRun {
		mock, ok := r.mocks[venue]
		if !ok {
			return nil, fmt.Errorf("unsupported venue: %s", venue)
		}
		return mock, nil
	}

	switch venue {
	case Binance:
		return NewBinanceAdapter(r.cfg.Binance, r.timeouts), nil
	case Bybit:
		return NewBybitAdapter(r.cfg.Bybit, r.timeouts), nil
	case OKX:
		return NewOKXAdapter(r.cfg.OKX, r.timeouts), nil
	case Bitget:
		return NewBitgetAdapter(r.cfg.Bitget, r.timeouts), nil
	default:
		return nil, fmt.Errorf("unsupported venue: %s", venue)
	}
}

// Mock returns the shared dry-run mock for a venue, nil outside dry-run
func (r *Registry) Mock(venue string) *MockAdapter {
	if !r.dryRun {
		return nil
	}
	return r.mocks[venue]
}

// Configured reports whether the venue has credentials set
func (r *Registry) Configured(venue string) bool {
	if r.dryRun {
		return true
	}
	var creds config.ExchangeCredentials
	switch venue {
	case Binance:
		creds = r.cfg.Binance
	case Bybit:
		creds = r.cfg.Bybit
	case OKX:
		creds = r.cfg.OKX
	case Bitget:
		creds = r.cfg.Bitget
	default:
		return false
	}
	return creds.APIKey != "" && creds.SecretKey != ""
}
