package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"flow-radar/aggregator"
	"flow-radar/metrics"
	"flow-radar/quotes"
	"flow-radar/realtime"
)

func testHandler(t *testing.T) (*FlowHandler, *realtime.Subscriber, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	broker := realtime.NewBroker()
	go broker.Run(ctx)
	sub := broker.Subscribe()

	h := NewFlowHandler(
		quotes.NewCache(0), broker, nil, nil, metrics.NewCollector(),
		aggregator.Config{}, 25_000, time.UTC, 1,
	)
	return h, sub, cancel
}

type flowEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Symbol         string  `json:"Symbol"`
		Premium        float64 `json:"Premium"`
		Type           string  `json:"Type"`
		ExecutionLevel string  `json:"ExecutionLevel"`
		Priority       int     `json:"Priority"`
	} `json:"payload"`
}

func receiveFlow(t *testing.T, sub *realtime.Subscriber) flowEnvelope {
	t.Helper()
	select {
	case msg := <-sub.Events():
		var env flowEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for classified trade")
		return flowEnvelope{}
	}
}

// A trade flows end to end: quote context applied, classification
// attached, event published on the hub.
func TestPipelinePublishesClassifiedTrade(t *testing.T) {
	h, sub, cancel := testHandler(t)
	defer cancel()
	defer h.Stop()

	sym := "O:SPY251115P00580000"
	h.OnQuote(sym, quotes.Quote{Bid: 8.10, Ask: 8.25})
	h.OnTrade(aggregator.RawTrade{
		Symbol: sym, Price: 8.25, Size: 800, Exchange: 65,
		SourceTime: 1_700_000_000_000, Sequence: 1,
	})

	env := receiveFlow(t, sub)
	if env.Event != flowEventChannel {
		t.Errorf("expected %s event, got %s", flowEventChannel, env.Event)
	}
	if env.Payload.Symbol != sym {
		t.Errorf("unexpected symbol %s", env.Payload.Symbol)
	}
	if env.Payload.Type != "BLOCK" {
		t.Errorf("expected BLOCK, got %s", env.Payload.Type)
	}
	if env.Payload.ExecutionLevel != "AT_ASK" {
		t.Errorf("expected AT_ASK, got %s", env.Payload.ExecutionLevel)
	}
	if env.Payload.Priority != 2 {
		t.Errorf("expected priority 2, got %d", env.Payload.Priority)
	}
	if env.Payload.Premium != 660_000 {
		t.Errorf("expected premium 660000, got %.2f", env.Payload.Premium)
	}
}

// A malformed symbol is dropped before aggregation and never broadcast.
func TestPipelineDropsMalformedSymbol(t *testing.T) {
	h, sub, cancel := testHandler(t)
	defer cancel()

	h.OnTrade(aggregator.RawTrade{Symbol: "GARBAGE", Price: 1, Size: 1, Sequence: 1})
	h.OnTrade(aggregator.RawTrade{
		Symbol: "O:AMD251219C00155000", Price: 5.50, Size: 40,
		SourceTime: 1_700_000_000_000, Sequence: 2,
	})
	h.Stop()

	env := receiveFlow(t, sub)
	if env.Payload.Symbol != "O:AMD251219C00155000" {
		t.Errorf("malformed symbol leaked through: %s", env.Payload.Symbol)
	}
}

// Stop drains in-flight trades before returning.
func TestStopDrains(t *testing.T) {
	h, sub, cancel := testHandler(t)
	defer cancel()

	for i := 0; i < 10; i++ {
		h.OnTrade(aggregator.RawTrade{
			Symbol: "O:QQQ251219C00500000", Price: 1.00, Size: 1,
			SourceTime: 1_700_000_000_000, Sequence: int64(i),
		})
	}
	h.Stop()

	for i := 0; i < 10; i++ {
		receiveFlow(t, sub)
	}
}
