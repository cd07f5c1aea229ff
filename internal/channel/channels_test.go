package channel

import (
	"context"
	"testing"

	"marketfeed/models"
	"marketfeed/reader"
)

func TestSendRawDropsWhenFull(t *testing.T) {
	ch := NewChannels("bybit", 2)
	ctx := context.Background()
	msg := reader.Message{Channel: models.Channel{Kind: models.KindTicker, Symbol: "BTCUSDT"}}

	for i := 0; i < 2; i++ {
		if !ch.SendRaw(ctx, msg) {
			t.Fatalf("send %d should fit", i)
		}
	}
	if ch.SendRaw(ctx, msg) {
		t.Fatal("third send should be dropped")
	}
	stats := ch.GetStats()
	if stats.RawSent != 2 || stats.RawDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if ch.Len() != 2 || ch.Cap() != 2 {
		t.Fatalf("unexpected occupancy %d/%d", ch.Len(), ch.Cap())
	}
}

func TestSendRawAfterCancel(t *testing.T) {
	ch := NewChannels("bybit", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendRaw(ctx, reader.Message{}) {
		t.Fatal("cancelled send must not enqueue")
	}
	if s := ch.GetStats(); s.RawDropped != 0 {
		t.Fatalf("cancellation is not a drop: %+v", s)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := NewChannels("bybit", 1)
	ch.Close()
	ch.Close()
	if _, ok := <-ch.Raw; ok {
		t.Fatal("expected closed channel")
	}
}
