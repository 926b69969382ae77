package aggregator

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"time"
)

// TradeType labels a print. Exactly one label per trade.
type TradeType string

const (
	TypeSweep TradeType = "SWEEP"
	TypeBlock TradeType = "BLOCK"
	TypeFlow  TradeType = "FLOW"
)

// BlockReason records which predicate admitted a block.
type BlockReason string

const (
	BlockLargeIsolated BlockReason = "LARGE_ISOLATED"
	BlockOPRACode      BlockReason = "OPRA_BLOCK_CODE"
	BlockDarkVenue     BlockReason = "DARK_VENUE"
)

// sweepConditionCodes are OPRA codes that mark a print as part of a
// sweep regardless of cluster shape. 233 (complex ISO sweep) also
// appears in the default block-code list; sweep precedence wins.
var sweepConditionCodes = map[int64]struct{}{
	233: {},
}

// RawTrade is one print as delivered by the feed, timestamps already
// converted to milliseconds at ingress.
type RawTrade struct {
	Symbol     string
	Price      float64
	Size       int64
	Exchange   int
	Conditions []int64
	SourceTime int64 // ms since epoch
	Sequence   int64
}

// Verdict is the aggregator's decision for a single trade.
type Verdict struct {
	Type               TradeType
	SweepID            string
	SweepSize          int64
	SweepExchangeCount int
	SweepExchanges     []string
	IsBlock            bool
	BlockReason        BlockReason
}

// Config tunes the sliding window and the sweep/block predicates.
// Zero values select the documented defaults.
type Config struct {
	BufferMaxSize     int
	BufferMaxAge      time.Duration
	SweepWindow       time.Duration
	SweepPriceDelta   float64
	SweepMinTotal     int64
	SweepMinExchanges int
	BlockMinSize      int64
	BlockIsolation    time.Duration
	BlockConditions   []int64
	DarkVenues        []int64
}

func (c Config) withDefaults() Config {
	if c.BufferMaxSize <= 0 {
		c.BufferMaxSize = 10_000
	}
	if c.BufferMaxAge <= 0 {
		c.BufferMaxAge = 5 * time.Second
	}
	if c.SweepWindow <= 0 {
		c.SweepWindow = 750 * time.Millisecond
	}
	if c.SweepPriceDelta <= 0 {
		c.SweepPriceDelta = 0.10
	}
	if c.SweepMinTotal <= 0 {
		c.SweepMinTotal = 100
	}
	if c.SweepMinExchanges <= 0 {
		c.SweepMinExchanges = 2
	}
	if c.BlockMinSize <= 0 {
		c.BlockMinSize = 500
	}
	if c.BlockIsolation <= 0 {
		c.BlockIsolation = 100 * time.Millisecond
	}
	if c.BlockConditions == nil {
		c.BlockConditions = []int64{229, 230, 233, 234, 235, 236}
	}
	if c.DarkVenues == nil {
		c.DarkVenues = []int64{4, 21, 66}
	}
	return c
}

// Entry is one window slot. Classification is upgraded in place when a
// later arrival completes a sweep cluster the entry belongs to.
type Entry struct {
	Symbol         string
	ProcessedAt    time.Time
	Price          float64
	Size           int64
	Exchange       int
	ExchangeName   string
	Conditions     []int64
	Premium        float64
	Classification TradeType
	SweepID        string
}

// Aggregator clusters near-simultaneous prints per contract inside a
// bounded ring and labels each arrival sweep, block, or flow. It is
// single-writer: callers shard by contract symbol and each shard owns
// one Aggregator, so no internal locking is needed.
type Aggregator struct {
	cfg Config
	now func() time.Time

	// ring storage: entry for insert seq s lives at s % BufferMaxSize,
	// valid while firstSeq <= s < nextSeq
	ring     []Entry
	firstSeq uint64
	nextSeq  uint64

	// secondary index: insert seqs per symbol, pruned lazily
	index      map[string][]uint64
	sinceSweep int // inserts since last index compaction

	blockConds map[int64]struct{}
	darkVenues map[int64]struct{}
}

// New creates an aggregator. The clock argument is optional and exists
// for deterministic tests; pass nil for wall time.
func New(cfg Config, clock func() time.Time) *Aggregator {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	a := &Aggregator{
		cfg:        cfg,
		now:        clock,
		ring:       make([]Entry, cfg.BufferMaxSize),
		index:      make(map[string][]uint64),
		blockConds: make(map[int64]struct{}, len(cfg.BlockConditions)),
		darkVenues: make(map[int64]struct{}, len(cfg.DarkVenues)),
	}
	for _, c := range cfg.BlockConditions {
		a.blockConds[c] = struct{}{}
	}
	for _, v := range cfg.DarkVenues {
		a.darkVenues[v] = struct{}{}
	}
	return a
}

// Process stamps the trade, maintains the window, and returns its
// verdict. It never fails: malformed trades are filtered upstream and
// unknown exchanges fall back to the sentinel name.
func (a *Aggregator) Process(t RawTrade) Verdict {
	now := a.now()
	a.evict(now)
	if a.count() >= a.cfg.BufferMaxSize {
		a.pop()
	}

	seq := a.push(t, now)
	cluster := a.cluster(t.Symbol, now)

	if id, size, exchanges, ok := a.sweepVerdict(t, cluster); ok {
		names := make([]string, 0, len(exchanges))
		for _, x := range exchanges {
			names = append(names, ExchangeName(x))
		}
		// upgrade the whole visible cluster so colliding prints of the
		// burst carry the shared ID
		for _, s := range cluster {
			e := a.at(s)
			e.Classification = TypeSweep
			e.SweepID = id
		}
		return Verdict{
			Type:               TypeSweep,
			SweepID:            id,
			SweepSize:          size,
			SweepExchangeCount: len(exchanges),
			SweepExchanges:     names,
		}
	}

	if reason, ok := a.blockVerdict(t, seq, now); ok {
		a.at(seq).Classification = TypeBlock
		return Verdict{Type: TypeBlock, IsBlock: true, BlockReason: reason}
	}

	return Verdict{Type: TypeFlow}
}

// Entries returns a snapshot of the window slots currently held for a
// symbol, oldest first.
func (a *Aggregator) Entries(symbol string) []Entry {
	var out []Entry
	for _, s := range a.index[symbol] {
		if s >= a.firstSeq && s < a.nextSeq {
			out = append(out, *a.at(s))
		}
	}
	return out
}

// Len returns the window cardinality.
func (a *Aggregator) Len() int { return a.count() }

// OldestAge returns how stale the oldest entry is, zero when empty.
func (a *Aggregator) OldestAge(now time.Time) time.Duration {
	if a.count() == 0 {
		return 0
	}
	return now.Sub(a.at(a.firstSeq).ProcessedAt)
}

func (a *Aggregator) count() int { return int(a.nextSeq - a.firstSeq) }

func (a *Aggregator) at(seq uint64) *Entry {
	return &a.ring[seq%uint64(len(a.ring))]
}

func (a *Aggregator) push(t RawTrade, now time.Time) uint64 {
	seq := a.nextSeq
	*a.at(seq) = Entry{
		Symbol:         t.Symbol,
		ProcessedAt:    now,
		Price:          t.Price,
		Size:           t.Size,
		Exchange:       t.Exchange,
		ExchangeName:   ExchangeName(t.Exchange),
		Conditions:     t.Conditions,
		Premium:        t.Price * float64(t.Size) * 100,
		Classification: TypeFlow,
	}
	a.nextSeq++
	a.index[t.Symbol] = append(a.index[t.Symbol], seq)

	a.sinceSweep++
	if a.sinceSweep >= 4096 {
		a.compactIndex()
		a.sinceSweep = 0
	}
	return seq
}

func (a *Aggregator) pop() {
	if a.count() == 0 {
		return
	}
	*a.at(a.firstSeq) = Entry{}
	a.firstSeq++
}

func (a *Aggregator) evict(now time.Time) {
	cutoff := now.Add(-a.cfg.BufferMaxAge)
	for a.count() > 0 && a.at(a.firstSeq).ProcessedAt.Before(cutoff) {
		a.pop()
	}
}

// compactIndex drops evicted seqs and empty symbols so the index cannot
// outgrow the ring over a long session.
func (a *Aggregator) compactIndex() {
	for sym, seqs := range a.index {
		kept := seqs[:0]
		for _, s := range seqs {
			if s >= a.firstSeq {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(a.index, sym)
		} else {
			a.index[sym] = kept
		}
	}
}

// cluster returns the live seqs for symbol within the sweep window of
// the current (just-pushed) trade, pruning the symbol's index slice.
func (a *Aggregator) cluster(symbol string, now time.Time) []uint64 {
	seqs := a.index[symbol]
	kept := seqs[:0]
	cutoff := now.Add(-a.cfg.SweepWindow)
	var out []uint64
	for _, s := range seqs {
		if s < a.firstSeq {
			continue
		}
		kept = append(kept, s)
		if !a.at(s).ProcessedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	a.index[symbol] = kept
	return out
}

// sweepVerdict applies the hybrid admission rule to the candidate
// cluster, including the current trade.
func (a *Aggregator) sweepVerdict(t RawTrade, cluster []uint64) (id string, totalSize int64, exchanges []int, ok bool) {
	minPrice, maxPrice := t.Price, t.Price
	var sumPrice float64
	seen := make(map[int]struct{}, 4)
	oldest := a.at(cluster[0]).ProcessedAt
	for _, s := range cluster {
		e := a.at(s)
		if e.Price < minPrice {
			minPrice = e.Price
		}
		if e.Price > maxPrice {
			maxPrice = e.Price
		}
		sumPrice += e.Price
		totalSize += e.Size
		if _, dup := seen[e.Exchange]; !dup {
			seen[e.Exchange] = struct{}{}
			exchanges = append(exchanges, e.Exchange)
		}
		if e.ProcessedAt.Before(oldest) {
			oldest = e.ProcessedAt
		}
	}

	admitted := false
	if maxPrice-minPrice <= a.cfg.SweepPriceDelta {
		minContracts := a.cfg.SweepMinTotal
		if sumPrice/float64(len(cluster)) <= 5 {
			minContracts = a.cfg.SweepMinTotal / 2
		}
		if totalSize >= minContracts {
			admitted = len(seen) >= a.cfg.SweepMinExchanges || len(cluster) >= 3
		}
	}
	if !admitted && !hasSweepCondition(t.Conditions) {
		return "", 0, nil, false
	}

	return sweepID(t.Symbol, oldest), totalSize, exchanges, true
}

func (a *Aggregator) blockVerdict(t RawTrade, seq uint64, now time.Time) (BlockReason, bool) {
	if t.Size >= a.cfg.BlockMinSize && a.isolated(t.Symbol, seq, now) {
		return BlockLargeIsolated, true
	}
	for _, c := range t.Conditions {
		if _, ok := a.blockConds[c]; ok {
			return BlockOPRACode, true
		}
	}
	if _, dark := a.darkVenues[int64(t.Exchange)]; dark && t.Size >= a.cfg.BlockMinSize {
		return BlockDarkVenue, true
	}
	return "", false
}

// isolated reports whether no other same-contract print sits within the
// isolation window of the current trade.
func (a *Aggregator) isolated(symbol string, seq uint64, now time.Time) bool {
	for _, s := range a.index[symbol] {
		if s == seq || s < a.firstSeq {
			continue
		}
		d := now.Sub(a.at(s).ProcessedAt)
		if d < 0 {
			d = -d
		}
		if d <= a.cfg.BlockIsolation {
			return false
		}
	}
	return true
}

func hasSweepCondition(conditions []int64) bool {
	for _, c := range conditions {
		if _, ok := sweepConditionCodes[c]; ok {
			return true
		}
	}
	return false
}

// sweepID mints a deterministic ID from the symbol and the 100 ms bucket
// of the burst's oldest print, so every print of the burst shares it.
func sweepID(symbol string, oldest time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(oldest.UnixMilli()/100))
	h.Write(b[:])
	return fmt.Sprintf("%016x", h.Sum64())
}
