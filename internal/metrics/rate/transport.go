package rate

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketfeed/logger"
)

// Transport wraps an http.RoundTripper, reports exchange used-weight headers as gauges and
// remembers the last Retry-After hint so error classification can honour it.
type Transport struct {
	Exchange string
	Base     http.RoundTripper
	Log      *logger.Log

	mu         sync.Mutex
	retryAfter time.Duration
	usedWeight float64
	limit      float64
}

// NewTransport returns a Transport over http.DefaultTransport.
func NewTransport(exchange string, log *logger.Log) *Transport {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Transport{Exchange: strings.ToLower(exchange), Base: http.DefaultTransport, Log: log}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	t.observe(resp)
	return resp, nil
}

func (t *Transport) observe(resp *http.Response) {
	used, limit, ok := usedWeight(t.Exchange, resp.Header)

	var hint time.Duration
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		hint = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	t.mu.Lock()
	if ok {
		t.usedWeight = used
		if limit > 0 {
			t.limit = limit
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		t.retryAfter = hint
	}
	t.mu.Unlock()

	if ok {
		component := t.Exchange + "_client"
		t.Log.LogMetric(component, "used_weight", used, "gauge", logger.Fields{
			"exchange": t.Exchange,
			"path":     resp.Request.URL.Path,
		})
	}
}

// TakeRetryAfter returns and clears the last Retry-After hint seen on a throttled response.
func (t *Transport) TakeRetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.retryAfter
	t.retryAfter = 0
	return d
}

// SetLimit records a weight limit learned out of band, such as Binance exchangeInfo.
func (t *Transport) SetLimit(limit float64) {
	t.mu.Lock()
	t.limit = limit
	t.mu.Unlock()
}

// UsedWeight returns the last observed used weight and, when advertised, the limit.
func (t *Transport) UsedWeight() (used, limit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedWeight, t.limit
}

// Report returns the request weight state for the periodic runtime report. The limit is
// omitted until the exchange has advertised one.
func (t *Transport) Report() logger.Fields {
	used, limit := t.UsedWeight()
	fields := logger.Fields{t.Exchange + "_used_weight": used}
	if limit > 0 {
		fields[t.Exchange+"_weight_limit"] = limit
		fields[t.Exchange+"_weight_used_pct"] = used / limit * 100
	}
	return fields
}

func usedWeight(exchange string, h http.Header) (used, limit float64, ok bool) {
	switch exchange {
	case "binance":
		for _, key := range []string{"X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT"} {
			if v := h.Get(key); v != "" {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					return n, 0, true
				}
			}
		}
	case "bybit":
		limitStr := h.Get("X-Bapi-Limit")
		if limitStr == "" {
			limitStr = h.Get("X-RateLimit-Limit")
		}
		remainingStr := h.Get("X-Bapi-Limit-Status")
		if remainingStr == "" {
			remainingStr = h.Get("X-RateLimit-Remaining")
		}
		l, errL := strconv.ParseFloat(limitStr, 64)
		r, errR := strconv.ParseFloat(remainingStr, 64)
		if errL != nil || errR != nil || l <= 0 {
			return 0, 0, false
		}
		used = l - r
		if used < 0 {
			used = 0
		}
		return used, l, true
	}
	return 0, 0, false
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
