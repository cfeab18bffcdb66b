package exchange

import "strings"

// Venue symbol forms differ for the same instrument: Binance uses
// "BTCUSDT", OKX "BTC-USDT-SWAP", Bybit "BTCUSDT", Bitget "BTCUSDT_UMCBL",
// Hyperliquid just the coin name "BTC". Everything inside the engine is
// canonical ("BTCUSDT"); adapters re-expand on outbound calls.

// CanonicalSymbol folds any venue symbol form to the canonical BASEQUOTE form.
func CanonicalSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	// OKX instrument ids: BTC-USDT-SWAP, BTC-USDT
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.ReplaceAll(s, "-", "")

	// Bitget product suffixes: BTCUSDT_UMCBL, BTCUSDT_DMCBL, BTCUSDT_SPBL
	if i := strings.IndexByte(s, '_'); i > 0 {
		s = s[:i]
	}

	// Doubly-suffixed forms seen from aggregated feeds: BTCUSDTSWAPUSDT
	if strings.HasSuffix(s, "SWAPUSDT") {
		s = strings.TrimSuffix(s, "SWAPUSDT") + "USDT"
	}
	s = strings.TrimSuffix(s, "SWAP")

	// Perp markers some feeds append: BTCUSDTPERP, BTCUSDT.P
	s = strings.TrimSuffix(s, ".P")
	if strings.HasSuffix(s, "PERP") && len(s) > 4 {
		s = strings.TrimSuffix(s, "PERP")
	}

	// Bare coin names (Hyperliquid) get the USDT quote
	if !hasKnownQuote(s) {
		s += "USDT"
	}
	return s
}

var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"}

func hasKnownQuote(s string) bool {
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return true
		}
	}
	return false
}

// BaseAsset strips the quote asset from a canonical symbol.
// "BTCUSDT" -> "BTC". Unknown quotes return the symbol unchanged.
func BaseAsset(canonical string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) {
			return strings.TrimSuffix(canonical, q)
		}
	}
	return canonical
}

// QuoteAsset returns the quote asset of a canonical symbol, defaulting to USDT
func QuoteAsset(canonical string) string {
	for _, q := range quoteAssets {
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) {
			return q
		}
	}
	return "USDT"
}

// VenueSymbol expands a canonical symbol into the venue's native form.
// futures selects the perpetual form where the venue distinguishes.
func VenueSymbol(venue, canonical string, futures bool) string {
	switch venue {
	case OKX:
		base, quote := BaseAsset(canonical), QuoteAsset(canonical)
		if futures {
			return base + "-" + quote + "-SWAP"
		}
		return base + "-" + quote
	case Bitget:
		if futures {
			return canonical + "_UMCBL"
		}
		return canonical
	case Hyperliquid:
		return BaseAsset(canonical)
	default:
		// Binance and Bybit use the canonical form natively
		return canonical
	}
}
