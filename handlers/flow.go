package handlers

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/lib/pq"

	"flow-radar/aggregator"
	"flow-radar/cache"
	"flow-radar/classifier"
	"flow-radar/contract"
	"flow-radar/database"
	"flow-radar/metrics"
	"flow-radar/quotes"
	"flow-radar/realtime"
)

const (
	shardChanSize = 2048
	sinkChanSize  = 4096
	batchSize     = 100
	batchTimeout  = 500 * time.Millisecond

	// broadcast channel name for the classified flow stream
	flowEventChannel = "flow:all"
)

// FlowHandler runs the classification pipeline: raw trades are sharded
// by contract symbol onto single-writer aggregation workers, classified
// against the quote cache, then forked to the persistence sink and the
// broadcast hub. The sink queue is bounded; when it fills, shard workers
// suspend and back-pressure propagates to the session readers.
type FlowHandler struct {
	quoteCache *quotes.Cache
	cls        *classifier.Classifier
	broker     *realtime.Broker
	repo       *database.Repository
	redis      *cache.Client
	collector  *metrics.Collector

	aggCfg         aggregator.Config
	storeThreshold float64
	rollover       *time.Location

	shards   []chan aggregator.RawTrade
	sinkChan chan *classifier.Trade
	shardWG  sync.WaitGroup
	sinkWG   sync.WaitGroup
	stopOnce sync.Once
}

// NewFlowHandler builds the pipeline and starts its workers. shardCount
// <= 0 picks a sensible default. repo and redis may be nil in tests.
func NewFlowHandler(quoteCache *quotes.Cache, broker *realtime.Broker, repo *database.Repository, redisClient *cache.Client, collector *metrics.Collector, aggCfg aggregator.Config, storeThreshold float64, rollover *time.Location, shardCount int) *FlowHandler {
	if shardCount <= 0 {
		shardCount = 8
	}
	if rollover == nil {
		rollover = time.UTC
	}
	h := &FlowHandler{
		quoteCache:     quoteCache,
		cls:            classifier.New(),
		broker:         broker,
		repo:           repo,
		redis:          redisClient,
		collector:      collector,
		aggCfg:         aggCfg,
		storeThreshold: storeThreshold,
		rollover:       rollover,
		shards:         make([]chan aggregator.RawTrade, shardCount),
		sinkChan:       make(chan *classifier.Trade, sinkChanSize),
	}

	for i := range h.shards {
		h.shards[i] = make(chan aggregator.RawTrade, shardChanSize)
		h.shardWG.Add(1)
		go h.shardWorker(h.shards[i])
	}
	h.sinkWG.Add(1)
	go h.sinkWorker()

	return h
}

// OnTrade routes a raw trade to its contract's shard. The send blocks
// when the shard is saturated; that is the designed flow control.
func (h *FlowHandler) OnTrade(t aggregator.RawTrade) {
	h.shards[shardFor(t.Symbol, len(h.shards))] <- t
}

// OnQuote overwrites the cached NBBO for a contract.
func (h *FlowHandler) OnQuote(symbol string, q quotes.Quote) {
	h.quoteCache.Store(symbol, q)
}

// Stop drains the pipeline: shard channels are closed, workers finish
// classifying what is in flight, then the sink flushes its last batch.
func (h *FlowHandler) Stop() {
	h.stopOnce.Do(func() {
		for _, shard := range h.shards {
			close(shard)
		}
		h.shardWG.Wait()
		close(h.sinkChan)
		h.sinkWG.Wait()
	})
}

// shardWorker owns one aggregator instance; contracts hash to exactly
// one shard, which keeps per-contract ordering and makes the window
// single-writer without locks.
func (h *FlowHandler) shardWorker(in <-chan aggregator.RawTrade) {
	defer h.shardWG.Done()
	agg := aggregator.New(h.aggCfg, nil)

	for raw := range in {
		ct, err := contract.Parse(raw.Symbol)
		if err != nil {
			h.collector.ReportMsg(metrics.KindMalformed, "symbol", raw.Symbol)
			continue
		}

		verdict := agg.Process(raw)
		q, hasQuote := h.quoteCache.Lookup(raw.Symbol)
		classified := h.cls.Classify(raw, ct, verdict, q, hasQuote)

		h.publish(&classified)
	}
}

func (h *FlowHandler) publish(t *classifier.Trade) {
	// every classified trade reaches the hub, store threshold or not
	h.broker.Broadcast(flowEventChannel, t)
	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), flowEventChannel, t); err != nil {
			h.collector.Report(metrics.KindTransient, "redis_publish")
		}
	}

	if t.Premium >= h.storeThreshold && h.repo != nil {
		h.sinkChan <- t
	}
}

// sinkWorker batches inserts the way the upstream volume demands:
// flush on size or on the ticker, whichever comes first.
func (h *FlowHandler) sinkWorker() {
	defer h.sinkWG.Done()
	var batch []*classifier.Trade
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		h.persistBatch(batch)
		batch = nil
	}

	for {
		select {
		case t, open := <-h.sinkChan:
			if !open {
				flush()
				return
			}
			batch = append(batch, t)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (h *FlowHandler) persistBatch(batch []*classifier.Trade) {
	rows := make([]*database.Trade, 0, len(batch))
	deltas := make(map[string]database.AggregateDelta)
	for _, t := range batch {
		row := toRow(t)
		rows = append(rows, row)
		date := time.UnixMilli(t.SourceTime).In(h.rollover).Format("2006-01-02")
		d := deltas[date]
		d.Add(database.DeltaFor(row))
		deltas[date] = d
	}

	if _, err := h.repo.SaveTrades(rows); err != nil {
		log.Printf("⚠️  Failed to batch save trades: %v", err)
		h.collector.Report(metrics.KindTransient, "store_insert")
		return
	}
	for date, d := range deltas {
		if err := h.repo.IncrementDaily(date, d); err != nil {
			log.Printf("⚠️  Failed to update daily aggregate for %s: %v", date, err)
			h.collector.Report(metrics.KindTransient, "store_aggregate")
		}
	}
}

// toRow maps a classified trade onto its persisted shape.
func toRow(t *classifier.Trade) *database.Trade {
	return &database.Trade{
		ContractSymbol:     t.Symbol,
		Sequence:           t.Sequence,
		Underlying:         t.Contract.Ticker,
		Expiration:         t.Contract.Expiration,
		Side:               string(t.Contract.Side),
		Strike:             t.Contract.Strike,
		Price:              t.Price,
		Size:               t.Size,
		Premium:            t.Premium,
		ExchangeID:         t.Exchange,
		Conditions:         pq.Int64Array(t.Conditions),
		ExecutedAt:         time.UnixMilli(t.SourceTime).UTC(),
		TradeType:          string(t.Type),
		ExecutionLevel:     string(t.ExecutionLevel),
		Priority:           t.Priority,
		Highlighted:        t.Highlighted,
		UrgencyScore:       t.Urgency.Score,
		UrgencyLevel:       t.Urgency.Level,
		FlowDirection:      string(t.Direction),
		SweepID:            t.SweepID,
		SweepSize:          t.SweepSize,
		SweepExchangeCount: t.SweepExchangeCount,
		SweepExchanges:     pq.StringArray(t.SweepExchanges),
		IsBlock:            t.IsBlock,
		BlockReason:        string(t.BlockReason),
	}
}

func shardFor(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
