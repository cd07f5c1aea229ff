package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketfeed/internal/feederr"
	"marketfeed/internal/metrics/rate"
	"marketfeed/logger"
)

// Classify turns a transport or SDK error into a feederr kind. retryAfter is the hint the
// HTTP transport saw on a throttled response, if any.
func Classify(exchange, symbol, operation string, err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if feederr.KindOf(err) != feederr.Unknown {
		return err
	}

	var se *StatusError
	if errors.As(err, &se) {
		var body struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal([]byte(se.Body), &body) == nil && body.Code != 0 {
			return ClassifyCode(exchange, symbol, operation, body.Code, body.Msg, retryAfter)
		}
	}

	msg := err.Error()
	if retryAfter > 0 || limited(exchange, symbol, operation, msg) {
		return &feederr.RateLimitError{RetryAfter: hint(msg, retryAfter), Err: err}
	}
	return feederr.Transient(err)
}

// ClassifyCode handles an API-level error code returned in a successful HTTP response.
func ClassifyCode(exchange, symbol, operation string, code int, msg string, retryAfter time.Duration) error {
	err := fmt.Errorf("%s api error %d: %s", exchange, code, msg)
	switch {
	case isRateLimitCode(exchange, code), retryAfter > 0, limited(exchange, symbol, operation, msg):
		return &feederr.RateLimitError{RetryAfter: hint(msg, retryAfter), Err: err}
	case isConfigCode(exchange, code):
		return feederr.New(feederr.FatalConfiguration, exchange+"_client", operation, symbol, err)
	}
	return err
}

func limited(exchange, symbol, operation, msg string) bool {
	if strings.Contains(msg, "429") || strings.Contains(msg, "418") {
		rate.ReportRateLimitExceeded(logger.GetLogger(), exchange, symbol, operation)
		return true
	}
	return rate.ReportLimitFromMessage(logger.GetLogger(), exchange, symbol, operation, msg)
}

func hint(msg string, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	if until, ok := rate.BanUntil(msg); ok {
		if d := time.Until(until); d > 0 {
			return d
		}
	}
	return 0
}

func isRateLimitCode(exchange string, code int) bool {
	switch strings.ToLower(exchange) {
	case "bybit":
		return code == 10006 || code == 10018
	case "binance":
		return code == -1003 || code == -1015
	}
	return false
}

// codes meaning the request itself can never succeed: unknown symbol or bad parameters
func isConfigCode(exchange string, code int) bool {
	switch strings.ToLower(exchange) {
	case "bybit":
		return code == 10001
	case "binance":
		return code == -1121 || code == -1120
	}
	return false
}
