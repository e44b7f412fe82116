package feed

import (
	"strings"
)

const (
	minSymbolLen = 5
	maxSymbolLen = 20
)

// quoteAssets is checked in order; longer suffixes first so FDUSD is not
// read as ...USD.
var quoteAssets = []string{
	"FDUSD", "USDT", "USDC", "BUSD", "TUSD",
	"BTC", "ETH", "BNB",
	"EUR", "GBP", "TRY", "JPY", "AUD", "BRL",
}

var separators = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// NormalizeSymbol turns user input such as "btc/usdt", "BTC-USDT" or
// " ethusdt " into the exchange pair form "BTCUSDT".
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(separators.Replace(strings.TrimSpace(raw)))
	if s == "" {
		return "", invalidSymbol(raw, "empty")
	}
	if len(s) < minSymbolLen || len(s) > maxSymbolLen {
		return "", invalidSymbol(raw, "bad length")
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", invalidSymbol(raw, "unexpected character")
		}
	}
	if _, _, ok := SplitSymbol(s); !ok {
		return "", invalidSymbol(raw, "unknown quote asset")
	}
	return s, nil
}

// SplitSymbol splits a normalized pair into base and quote assets.
func SplitSymbol(sym string) (base, quote string, ok bool) {
	s := strings.ToUpper(sym)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, true
		}
	}
	return "", "", false
}
