package feederr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := Transient(errors.New("connection reset"))
	wrapped := fmt.Errorf("fetch ticker: %w", base)
	if got := KindOf(wrapped); got != TransientNetwork {
		t.Fatalf("expected transient, got %s", got)
	}

	rl := fmt.Errorf("outer: %w", &RateLimitError{RetryAfter: 2 * time.Second})
	if got := KindOf(rl); got != RateLimit {
		t.Fatalf("expected rate limit, got %s", got)
	}
	if d, ok := RetryAfter(rl); !ok || d != 2*time.Second {
		t.Fatalf("unexpected retry hint %v %v", d, ok)
	}
}

func TestWrapKeepsKindAndContext(t *testing.T) {
	err := Wrap(&RateLimitError{}, "fetcher", "fetch_orderbook", "BTCUSDT")
	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fe.Kind != RateLimit || fe.Component != "fetcher" || fe.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected context: %+v", fe)
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestKindOfJoined(t *testing.T) {
	err := errors.Join(errors.New("plain"), Fatal("reader", "no websocket support"))
	if !Is(err, FatalConfiguration) {
		t.Fatalf("expected fatal configuration in joined error, got %s", KindOf(err))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(context.Canceled) != Unknown {
		t.Fatal("context errors are not classified")
	}
	if KindOf(nil) != Unknown {
		t.Fatal("nil is unknown")
	}
}

func TestErrorMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{Transient(errors.New("connection reset")), "connection reset"},
		{&Error{Kind: Validation}, "validation"},
		{Wrap(Transient(errors.New("connection reset")), "fetcher", "fetch_ticker", "BTCUSDT"),
			"fetcher.fetch_ticker[BTCUSDT] (transient_network): connection reset"},
		{Fatal("reader", "no websocket support"), "reader (fatal_configuration): no websocket support"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("got %q, want %q", got, c.want)
		}
	}
}
