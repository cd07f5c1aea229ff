package rate

import (
	"strconv"
	"strings"
	"time"

	"marketfeed/logger"
)

// ReportRateLimitExceeded records a rate limit hit for the exchange and operation.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, operation string) {
	component := strings.ToLower(exchange) + "_client"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange":  strings.ToLower(exchange),
		"symbol":    symbol,
		"operation": operation,
	}
	l.LogMetric(component, "rate_limit_exceeded", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan records an IP ban for the exchange and operation.
func ReportIPBan(log *logger.Log, exchange, symbol, operation string) {
	component := strings.ToLower(exchange) + "_client"
	l := log.WithComponent(component)
	fields := logger.Fields{
		"exchange":  strings.ToLower(exchange),
		"symbol":    symbol,
		"operation": operation,
	}
	l.LogMetric(component, "ip_ban", int64(1), "counter", fields)
	l.WithFields(fields).Error("ip banned")
}

// DetectLimit inspects a message returned by an exchange and reports whether it signals a
// rate limit or an IP ban. Each exchange words these differently.
func DetectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage records rate limit or IP ban events found in msg and returns
// whether either matched.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, operation, msg string) bool {
	rateLimit, ipBan := DetectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, operation)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, operation)
	}
	return rateLimit || ipBan
}

// BanUntil extracts a millisecond unix timestamp from messages such as
// "Way too many requests; IP banned until 1562345678901."
func BanUntil(msg string) (time.Time, bool) {
	for start := 0; start < len(msg); {
		if !isDigit(msg[start]) {
			start++
			continue
		}
		end := start
		for end < len(msg) && isDigit(msg[end]) {
			end++
		}
		// 13 or 14 digits is a millisecond timestamp.
		if n := end - start; n == 13 || n == 14 {
			if ms, err := strconv.ParseInt(msg[start:end], 10, 64); err == nil {
				return time.UnixMilli(ms), true
			}
		}
		start = end
	}
	return time.Time{}, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
