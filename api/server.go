package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"flow-radar/cache"
	"flow-radar/database"
	"flow-radar/metrics"
	"flow-radar/realtime"
)

const (
	statsCacheKeyPrefix = "stats:daily:"
	statsCacheDuration  = 30 * time.Second
)

// ConnectionStatus is implemented by the ingestion farm.
type ConnectionStatus interface {
	Connected() bool
	SubscriptionCount() int
}

// Server is the request/response façade around the core: health,
// the live SSE stream, and aggregated daily statistics.
type Server struct {
	repo      *database.Repository
	broker    *realtime.Broker
	collector *metrics.Collector
	farm      ConnectionStatus
	redis     *cache.Client
	origin    string

	httpServer *http.Server
}

// NewServer wires the façade. redis may be nil; the stats endpoint then
// reads straight from the store.
func NewServer(repo *database.Repository, broker *realtime.Broker, collector *metrics.Collector, farm ConnectionStatus, redisClient *cache.Client, origin string) *Server {
	return &Server{
		repo:      repo,
		broker:    broker,
		collector: collector,
		farm:      farm,
		redis:     redisClient,
		origin:    origin,
	}
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.cors(s.handleHealth))
	mux.HandleFunc("/stats/daily", s.cors(s.handleDailyStats))
	mux.HandleFunc("/stream", s.cors(s.broker.ServeHTTP))

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	log.Printf("🌐 API server listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.origin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":        "ok",
		"connected":     s.farm.Connected(),
		"subscriptions": s.farm.SubscriptionCount(),
		"subscribers":   s.broker.SubscriberCount(),
		"dropped":       s.broker.Dropped(),
		"counters":      s.collector.Snapshot(),
	})
}

// handleDailyStats returns one date's aggregate row with its on-read
// ratios, cached briefly in Redis.
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	cacheKey := statsCacheKeyPrefix + date
	if s.redis != nil {
		var cached database.DailyStats
		if err := s.redis.Get(r.Context(), cacheKey, &cached); err == nil {
			writeJSON(w, &cached)
			return
		}
	}

	stats, err := s.repo.GetDailyStats(date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.redis != nil {
		_ = s.redis.Set(r.Context(), cacheKey, stats, statsCacheDuration)
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}
