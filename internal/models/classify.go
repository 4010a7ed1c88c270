package models

import "strings"

// fiatSuffixes are the quote-currency codes that mark a symbol as a crypto
// pair when they terminate it.
var fiatSuffixes = []string{"USDT", "USDC", "USD", "EUR", "GBP"}

// maxCryptoSymbolLen bounds the suffix heuristic: 3-4 letter coin tickers
// plus a 3-letter fiat code. Longer symbols ending in USD are almost always
// equities or option contracts.
const maxCryptoSymbolLen = 7

// ClassifySymbol infers the asset class from symbol shape alone.
//
// A symbol is crypto if it ends with a known fiat code and is short enough
// to be a coin pair. This is a heuristic, not authoritative: coin tickers
// longer than four letters (e.g. MATICUSD) are misclassified as stock.
// OCC-style option symbols are long and carry an embedded expiration date,
// so anything of 15+ characters containing digits is treated as an option.
func ClassifySymbol(symbol string) AssetClass {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	if s == "" {
		return AssetClassStock
	}

	if len(s) >= 15 && strings.ContainsAny(s, "0123456789") {
		return AssetClassOption
	}

	for _, suffix := range fiatSuffixes {
		if strings.HasSuffix(s, suffix) && len(s) <= maxCryptoSymbolLen && len(s) > len(suffix) {
			return AssetClassCrypto
		}
	}
	return AssetClassStock
}
