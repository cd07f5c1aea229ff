package symbols

import "strings"

// multiplied lists contracts quoted per 1000 units, keyed by exchange then canonical symbol.
var multiplied = map[string]map[string]string{
	"binance": {
		"BONKUSDT": "1000BONKUSDT",
		"PEPEUSDT": "1000PEPEUSDT",
		"SHIBUSDT": "1000SHIBUSDT",
	},
	"bybit": {
		"BONKUSDT": "1000BONKUSDT",
		"PEPEUSDT": "1000PEPEUSDT",
		"SHIBUSDT": "SHIB1000USDT",
	},
}

// ToCanonical converts exchange-specific symbol formats to the canonical form: uppercase,
// no separators, BTC instead of XBT and without the 1000x contract prefix.
// Supported exchanges: binance, bybit, kucoin, coinbase, kraken, okx.
func ToCanonical(exchange, sym string) string {
	exchange = strings.ToLower(exchange)
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch exchange {
	case "binance", "bybit":
		for canonical, native := range multiplied[exchange] {
			if sym == native {
				return canonical
			}
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	}
	return sym
}

// ToExchange returns the symbol an exchange expects for a canonical symbol. Only the
// exchanges with a market-data adapter are handled; others get the canonical form.
func ToExchange(exchange, canonical string) string {
	canonical = strings.ToUpper(canonical)
	if native, ok := multiplied[strings.ToLower(exchange)][canonical]; ok {
		return native
	}
	return canonical
}
