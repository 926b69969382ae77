package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flow-radar/aggregator"
	"flow-radar/api"
	"flow-radar/cache"
	"flow-radar/config"
	"flow-radar/database"
	"flow-radar/handlers"
	"flow-radar/metrics"
	"flow-radar/quotes"
	"flow-radar/realtime"
	"flow-radar/websocket"
)

const (
	quoteCacheMaxEntries = 200_000
	purgeHourLocal       = 3 // 03:00 in the rollover timezone
	metricsLogInterval   = 60 * time.Second
)

// App is the supervisor: it constructs every collaborator, wires them
// explicitly, and owns startup order, periodic tasks and shutdown. It is
// the only place that can terminate the process.
type App struct {
	config *config.Config

	db         *database.Database
	repo       *database.Repository
	redis      *cache.Client
	collector  *metrics.Collector
	broker     *realtime.Broker
	quoteCache *quotes.Cache
	flow       *handlers.FlowHandler
	farm       *websocket.Farm
	apiServer  *api.Server

	rollover *time.Location
}

// New creates a new application instance
func New(cfg *config.Config) *App {
	return &App{config: cfg}
}

// Start runs the application until a shutdown signal arrives. Fatal
// configuration or boot errors are returned to main.
func (a *App) Start() error {
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	loc, err := time.LoadLocation(a.config.RolloverTimezone)
	if err != nil {
		log.Printf("⚠️  Unknown rollover timezone %q, falling back to UTC", a.config.RolloverTimezone)
		loc = time.UTC
	}
	a.rollover = loc

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Store connection: unreachable at boot is fatal
	log.Println("🗄️  Connecting to store...")
	db, err := database.Connect(a.config.StoreURL)
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	a.db = db
	a.repo = database.NewRepository(db)
	if err := a.repo.InitSchema(); err != nil {
		return fmt.Errorf("schema initialization failed: %w", err)
	}
	log.Println("✅ Store connection established")

	// 2. Redis: optional, caching and the pub/sub mirror degrade away
	log.Println("🧠 Connecting to Redis...")
	redisClient, err := cache.New(a.config.RedisHost, a.config.RedisPort, a.config.RedisPassword)
	if err != nil {
		log.Printf("⚠️  Redis unavailable, caching disabled: %v", err)
	} else {
		log.Printf("✅ Connected to Redis at %s:%s", a.config.RedisHost, a.config.RedisPort)
		a.redis = redisClient
	}

	// 3. Core collaborators, leaves first
	a.collector = metrics.NewCollector()
	go a.collector.Run(ctx)

	a.broker = realtime.NewBroker()
	go a.broker.Run(ctx)

	a.quoteCache = quotes.NewCache(quoteCacheMaxEntries)

	a.flow = handlers.NewFlowHandler(
		a.quoteCache, a.broker, a.repo, a.redis, a.collector,
		aggregatorConfig(a.config.Aggregator),
		a.config.Store.Threshold, a.rollover, 0,
	)

	// 4. Ingestion farm: opens sessions, authenticates, subscribes
	a.farm = websocket.NewFarm(
		a.config.Farm, a.config.WSURL, a.config.APIKey,
		a.config.StaticTierTickers,
		a.flow.OnTrade, a.flow.OnQuote, a.collector,
	)
	if err := a.farm.Start(ctx); err != nil {
		return fmt.Errorf("ingestion farm failed: %w", err)
	}

	// 5. Façade
	a.apiServer = api.NewServer(a.repo, a.broker, a.collector, a.farm, a.redis, a.config.FrontendOrigin)
	go func() {
		if err := a.apiServer.Start(a.config.ListenAddr); err != nil {
			log.Printf("⚠️  API server failed: %v", err)
		}
	}()

	// 6. Periodic tasks
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.runPurgeScheduler(ctx)
	}()
	go func() {
		defer wg.Done()
		a.runMetricsEmitter(ctx)
	}()

	err = a.gracefulShutdown(cancel)
	wg.Wait()
	return err
}

// gracefulShutdown waits for an interrupt, then drains: farm first so no
// new trades arrive, pipeline next so in-flight trades finish and the
// last batch is inserted, outer surfaces last.
func (a *App) gracefulShutdown(cancel context.CancelFunc) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	<-interrupt
	log.Println("🛑 Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		log.Println("📡 Closing ingestion farm...")
		a.farm.Stop()

		log.Println("🔀 Draining classification pipeline...")
		a.flow.Stop()

		cancel()

		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error closing API server: %v", err)
		}

		if err := a.db.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		} else {
			log.Println("✅ Store connection closed")
		}

		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				log.Printf("Error closing redis: %v", err)
			} else {
				log.Println("✅ Redis connection closed")
			}
		}

		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		log.Println("✅ Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Println("⚠️  Shutdown timeout exceeded, forcing exit")
		return fmt.Errorf("shutdown timeout")
	}
}

// runPurgeScheduler fires the daily purge at the rollover hour in the
// configured timezone, deleting rows older than the current date.
func (a *App) runPurgeScheduler(ctx context.Context) {
	log.Printf("🧹 Purge scheduler started (%02d:00 %s)", purgeHourLocal, a.rollover)
	for {
		now := time.Now().In(a.rollover)
		next := time.Date(now.Year(), now.Month(), now.Day(), purgeHourLocal, 0, 0, 0, a.rollover)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		select {
		case <-ctx.Done():
			log.Println("🛑 Purge scheduler stopped")
			return
		case <-time.After(time.Until(next)):
		}

		current := time.Now().In(a.rollover)
		midnight := time.Date(current.Year(), current.Month(), current.Day(), 0, 0, 0, 0, a.rollover)
		date := current.Format("2006-01-02")
		if err := a.repo.Purge(midnight, date); err != nil {
			log.Printf("⚠️  Daily purge failed: %v", err)
			a.collector.Report(metrics.KindTransient, "purge")
		} else {
			log.Printf("🧹 Daily purge complete, dropped rows before %s", date)
		}
	}
}

// runMetricsEmitter logs a counter snapshot on a fixed cadence.
func (a *App) runMetricsEmitter(ctx context.Context) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := a.collector.Snapshot()
			line := ""
			for _, k := range metrics.Keys(snapshot) {
				line += fmt.Sprintf(" %s=%d", k, snapshot[k])
			}
			log.Printf("💓 connected=%t subscriptions=%d subscribers=%d dropped=%d%s",
				a.farm.Connected(), a.farm.SubscriptionCount(),
				a.broker.SubscriberCount(), a.broker.Dropped(), line)
		}
	}
}

func aggregatorConfig(c config.AggregatorConfig) aggregator.Config {
	return aggregator.Config{
		BufferMaxSize:     c.BufferMaxSize,
		BufferMaxAge:      c.BufferMaxAge,
		SweepWindow:       c.SweepWindow,
		SweepPriceDelta:   c.SweepPriceDelta,
		SweepMinTotal:     c.SweepMinTotal,
		SweepMinExchanges: c.SweepMinExchanges,
		BlockMinSize:      c.BlockMinSize,
		BlockIsolation:    c.BlockIsolation,
		BlockConditions:   c.BlockConditions,
		DarkVenues:        c.DarkVenues,
	}
}
