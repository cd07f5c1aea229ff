package symbols

import "testing"

func TestToCanonical(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"kucoin", "XBT-USDTM", "BTCUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"coinbase", "BTC-USD", "BTCUSD"},
		{"kraken", "BTC/USD", "BTCUSD"},
		{"okx", "BTC-USDT-SWAP", "BTCUSDT"},
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"binance", "ethusdt", "ETHUSDT"},
		{"binance", "1000BONKUSDT", "BONKUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"binance", "1000SHIBUSDT", "SHIBUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"bybit", "1000BONKUSDT", "BONKUSDT"},
		{"bybit", "1000PEPEUSDT", "PEPEUSDT"},
	}
	for _, tt := range tests {
		if got := ToCanonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("ToCanonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestToExchangeInvertsCanonical(t *testing.T) {
	for _, exchange := range []string{"binance", "bybit"} {
		for _, native := range []string{"BTCUSDT", "1000PEPEUSDT"} {
			if got := ToExchange(exchange, ToCanonical(exchange, native)); got != native {
				t.Errorf("%s: round trip of %s gave %s", exchange, native, got)
			}
		}
	}
	if got := ToExchange("bybit", "SHIBUSDT"); got != "SHIB1000USDT" {
		t.Errorf("unexpected bybit shib symbol %s", got)
	}
}
