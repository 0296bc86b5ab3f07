package engine

import "strings"

var (
	contractSuffixes = []string{"-PERP", "_PERP", "PERP", "-SWAP", "_SWAP"}
	quoteSuffixes    = []string{"USDT", "USDC", "BUSD", "USD", "KRW"}
)

// baseAsset extracts the traded asset from a venue symbol such as
// BTCUSDT, BTC-USD, BTCUSD_PERP or a bare BTC.
func baseAsset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, suffix := range contractSuffixes {
		if len(s) > len(suffix) && strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	if i := strings.IndexAny(s, "-_/:"); i > 0 {
		return s[:i]
	}
	for _, quote := range quoteSuffixes {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return s
}

// sameAsset reports whether a market feed symbol and a derivative symbol
// name the same underlying asset.
func sameAsset(feed, symbol string) bool {
	f := baseAsset(feed)
	return f != "" && f == baseAsset(symbol)
}
