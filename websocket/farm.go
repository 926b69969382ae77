package websocket

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"flow-radar/aggregator"
	"flow-radar/config"
	"flow-radar/metrics"
	"flow-radar/quotes"
)

const (
	// global trade firehose carried by session 0
	tradeFirehoseChannel = "T.*"
	quoteChannelPrefix   = "Q."

	dispatchBuffer = 8192
	dedupMaxSize   = 100_000

	// upper bound on waiting for a positive status frame past the grace
	authStatusTimeout = 5 * time.Second
)

// TradeFunc receives each deduplicated raw trade, in arrival order per
// contract. A blocking receiver applies back-pressure to the farm.
type TradeFunc func(aggregator.RawTrade)

// QuoteFunc receives each quote update.
type QuoteFunc func(symbol string, q quotes.Quote)

type dedupKey struct {
	sym string
	seq int64
}

// Farm runs N WebSocket sessions against the vendor feed: the first
// SessionsStatic carry static-tier quote subscriptions (session 0 also
// carries the trade firehose), the rest carry dynamic quote
// subscriptions selected by observed volume.
type Farm struct {
	cfg       config.FarmConfig
	url       string
	apiKey    string
	static    map[string]struct{}
	sessions  []*Session
	onTrade   TradeFunc
	onQuote   QuoteFunc
	collector *metrics.Collector

	dispatch chan Message
	dedup    map[dedupKey]struct{}

	volumeMu sync.Mutex
	volume   map[string]int64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewFarm wires a farm; Start opens the sessions.
func NewFarm(cfg config.FarmConfig, url, apiKey string, staticTickers []string, onTrade TradeFunc, onQuote QuoteFunc, collector *metrics.Collector) *Farm {
	static := make(map[string]struct{}, len(staticTickers))
	for _, t := range staticTickers {
		static[strings.ToUpper(t)] = struct{}{}
	}
	return &Farm{
		cfg:       cfg,
		url:       url,
		apiKey:    apiKey,
		static:    static,
		onTrade:   onTrade,
		onQuote:   onQuote,
		collector: collector,
		dispatch:  make(chan Message, dispatchBuffer),
		dedup:     make(map[dedupKey]struct{}),
		volume:    make(map[string]int64),
	}
}

// Start opens all sessions in parallel, waits out the auth barrier,
// subscribes the trade firehose on session 0, and launches the reader,
// dispatcher and rebalance tasks. An unauthenticatable farm is a fatal
// startup error.
func (f *Farm) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.sessions = make([]*Session, f.cfg.SessionsTotal)
	errCh := make(chan error, f.cfg.SessionsTotal)
	var connectWG sync.WaitGroup
	for i := 0; i < f.cfg.SessionsTotal; i++ {
		s := newSession(i, f.url, f.apiKey)
		f.sessions[i] = s
		connectWG.Add(1)
		go func(s *Session) {
			defer connectWG.Done()
			if err := s.connect(); err != nil {
				errCh <- err
			}
		}(s)
	}
	connectWG.Wait()
	close(errCh)
	for err := range errCh {
		cancel()
		return fmt.Errorf("farm startup: %w", err)
	}

	// readers start before the barrier so positive status frames are
	// observed during the grace interval
	for _, s := range f.sessions {
		f.wg.Add(1)
		go f.runReader(ctx, s)
	}

	// auth barrier: each session is authenticated at the later of its
	// grace interval and its positive status frame (observed by the
	// reader); a rejected auth is a fatal startup error
	authErrCh := make(chan error, f.cfg.SessionsTotal)
	var authWG sync.WaitGroup
	for _, s := range f.sessions {
		authWG.Add(1)
		go func(s *Session) {
			defer authWG.Done()
			authErrCh <- s.waitAuthenticated(ctx, f.cfg.AuthGrace, authStatusTimeout)
		}(s)
	}
	authWG.Wait()
	close(authErrCh)
	for err := range authErrCh {
		if err != nil {
			cancel()
			return fmt.Errorf("farm startup: %w", err)
		}
	}
	log.Printf("✅ Farm authenticated: %d sessions (%d static, %d dynamic)",
		f.cfg.SessionsTotal, f.cfg.SessionsStatic, f.cfg.SessionsTotal-f.cfg.SessionsStatic)

	if err := f.sessions[0].subscribe([]string{tradeFirehoseChannel}); err != nil {
		cancel()
		return fmt.Errorf("farm startup: %w", err)
	}

	f.wg.Add(2)
	go f.runDispatcher(ctx)
	go f.runRebalancer(ctx)
	return nil
}

// Stop cancels the farm's tasks, closes every session, and waits.
func (f *Farm) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	for _, s := range f.sessions {
		_ = s.close()
	}
	f.wg.Wait()
}

// Connected reports false once any session has been disconnected beyond
// its reconnect budget.
func (f *Farm) Connected() bool {
	for _, s := range f.sessions {
		if !s.alive.Load() {
			return false
		}
	}
	return len(f.sessions) > 0
}

// SubscriptionCount returns the aggregate subscription count across all
// sessions, the trade firehose channel on session 0 included.
func (f *Farm) SubscriptionCount() int {
	total := 0
	for _, s := range f.sessions {
		total += s.subscriptionCount()
	}
	return total
}

// runReader owns one session's read loop, including reconnection.
func (f *Farm) runReader(ctx context.Context, s *Session) {
	defer f.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		messages, err := s.readMessages()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.collector.ReportMsg(metrics.KindTransient, "session_disconnect", err.Error())
			if !f.reconnect(ctx, s) {
				return
			}
			continue
		}

		for _, msg := range messages {
			if msg.Ev == "status" {
				f.handleStatus(s, msg)
				continue
			}
			select {
			case f.dispatch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *Farm) handleStatus(s *Session, msg Message) {
	switch msg.Status {
	case "auth_success", "connected":
		s.statusOK.Store(true)
	case "auth_failed":
		log.Printf("❌ Session %d authentication rejected: %s", s.id, msg.Message)
		s.alive.Store(false)
	}
}

// reconnect retries with exponential back-off, restoring the session's
// prior subscription set verbatim on success. Returns false once the
// budget is exhausted.
func (f *Farm) reconnect(ctx context.Context, s *Session) bool {
	_ = s.close()
	restore := s.snapshotSubscriptions()
	delay := f.cfg.ReconnectInterval

	for attempt := 1; attempt <= f.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := s.connect(); err != nil {
			log.Printf("⚠️  Session %d reconnect attempt %d/%d failed: %v",
				s.id, attempt, f.cfg.MaxReconnectAttempts, err)
			f.collector.Report(metrics.KindTransient, "reconnect_failed")
			delay *= 2
			if delay > time.Minute {
				delay = time.Minute
			}
			continue
		}

		// re-auth before traffic resumes on this session
		if err := s.waitAuthenticated(ctx, f.cfg.AuthGrace, authStatusTimeout); err != nil {
			if ctx.Err() != nil {
				return false
			}
			log.Printf("⚠️  Session %d re-auth failed: %v", s.id, err)
			delay *= 2
			if delay > time.Minute {
				delay = time.Minute
			}
			continue
		}

		if len(restore) > 0 {
			if err := s.subscribe(restore); err != nil {
				log.Printf("⚠️  Session %d failed to restore subscriptions: %v", s.id, err)
				delay *= 2
				continue
			}
		}
		log.Printf("✅ Session %d reconnected, %d subscriptions restored", s.id, len(restore))
		return true
	}

	log.Printf("❌ Session %d gave up after %d reconnect attempts", s.id, f.cfg.MaxReconnectAttempts)
	s.alive.Store(false)
	return false
}

// runDispatcher is the farm's single message dispatcher: it owns the
// dedup set and the volume table, converts timestamps to milliseconds,
// and hands events to the trade and quote sinks.
func (f *Farm) runDispatcher(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-f.dispatch:
			switch msg.Ev {
			case "T":
				f.dispatchTrade(msg)
			case "Q":
				f.dispatchQuote(msg)
			default:
				f.collector.Report(metrics.KindMalformed, "unknown_event")
			}
		}
	}
}

func (f *Farm) dispatchTrade(msg Message) {
	if msg.Sym == "" || msg.Price <= 0 || msg.Size <= 0 {
		f.collector.Report(metrics.KindMalformed, "trade")
		return
	}

	key := dedupKey{sym: msg.Sym, seq: msg.Sequence}
	if _, seen := f.dedup[key]; seen {
		f.collector.Report(metrics.KindDropped, "duplicate_trade")
		return
	}
	if len(f.dedup) >= dedupMaxSize {
		// bulk clear: the set only needs to suppress bursts
		f.dedup = make(map[dedupKey]struct{})
		f.collector.Report(metrics.KindCapacity, "dedup_truncated")
	}
	f.dedup[key] = struct{}{}

	size := int64(msg.Size)
	f.volumeMu.Lock()
	f.volume[msg.Sym] += size
	f.volumeMu.Unlock()

	f.collector.Report(metrics.KindIngest, "trade")
	f.onTrade(aggregator.RawTrade{
		Symbol:     msg.Sym,
		Price:      msg.Price,
		Size:       size,
		Exchange:   msg.Exchange,
		Conditions: msg.Conditions,
		SourceTime: toMillis(msg.Timestamp),
		Sequence:   msg.Sequence,
	})
}

func (f *Farm) dispatchQuote(msg Message) {
	if msg.Sym == "" {
		f.collector.Report(metrics.KindMalformed, "quote")
		return
	}
	f.collector.Report(metrics.KindIngest, "quote")
	f.onQuote(msg.Sym, quotes.Quote{
		Bid:        msg.BidPrice,
		Ask:        msg.AskPrice,
		BidSize:    int64(msg.BidSize),
		AskSize:    int64(msg.AskSize),
		SourceTime: toMillis(msg.Timestamp),
	})
}

// snapshotVolume freezes the volume table for a rebalance pass.
func (f *Farm) snapshotVolume() map[string]int64 {
	f.volumeMu.Lock()
	defer f.volumeMu.Unlock()
	out := make(map[string]int64, len(f.volume))
	for k, v := range f.volume {
		out[k] = v
	}
	return out
}

// toMillis normalizes an upstream timestamp to milliseconds. The feed
// stamps trades in nanoseconds; conversion happens once, here. The
// cutoffs sit between the regimes: current epochs are ~1.7e18 ns,
// ~1.7e15 µs and ~1.7e12 ms.
func toMillis(t int64) int64 {
	switch {
	case t > 1e16:
		return t / 1e6
	case t > 1e13:
		return t / 1e3
	default:
		return t
	}
}
