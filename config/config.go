package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	APIKey         string
	WSURL          string
	StoreURL       string
	FrontendOrigin string
	ListenAddr     string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string

	RolloverTimezone  string
	StaticTierTickers []string

	Farm       FarmConfig
	Aggregator AggregatorConfig
	Store      StoreConfig
}

// FarmConfig holds the ingestion farm parameters.
type FarmConfig struct {
	SessionsTotal        int
	SessionsStatic       int
	QuotesPerSession     int
	RebalanceInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	AuthGrace            time.Duration
}

// AggregatorConfig holds the sweep/block detection thresholds.
type AggregatorConfig struct {
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

// StoreConfig holds persistence thresholds.
type StoreConfig struct {
	Threshold float64
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		APIKey:         os.Getenv("API_KEY"),
		WSURL:          getEnvOrDefault("WS_URL", "wss://socket.polygon.io/options"),
		StoreURL:       getEnvOrDefault("STORE_URL", "host=localhost port=5432 dbname=flow_radar user=flow password=flow sslmode=disable"),
		FrontendOrigin: getEnvOrDefault("FRONTEND_ORIGIN", "*"),
		ListenAddr:     getEnvOrDefault("LISTEN_ADDR", ":8080"),

		// Redis configuration
		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		RolloverTimezone:  getEnvOrDefault("ROLLOVER_TIMEZONE", "America/New_York"),
		StaticTierTickers: getEnvJSONList("STATIC_TIER_TICKERS", []string{"SPY", "QQQ", "SPX", "IWM", "AAPL", "NVDA", "TSLA", "AMD", "MSFT", "META"}),

		Farm: FarmConfig{
			SessionsTotal:        getEnvInt("SESSIONS_TOTAL", 10),
			SessionsStatic:       getEnvInt("SESSIONS_STATIC", 3),
			QuotesPerSession:     getEnvInt("QUOTES_PER_SESSION", 1000),
			RebalanceInterval:    time.Duration(getEnvInt("REBALANCE_INTERVAL_MS", 300_000)) * time.Millisecond,
			ReconnectInterval:    time.Duration(getEnvInt("RECONNECT_INTERVAL_MS", 5000)) * time.Millisecond,
			MaxReconnectAttempts: getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
			AuthGrace:            time.Duration(getEnvInt("AUTH_GRACE_MS", 1000)) * time.Millisecond,
		},

		Aggregator: AggregatorConfig{
			BufferMaxSize:     getEnvInt("BUFFER_MAX_SIZE", 10_000),
			BufferMaxAge:      time.Duration(getEnvInt("BUFFER_MAX_AGE_MS", 5000)) * time.Millisecond,
			SweepWindow:       time.Duration(getEnvInt("SWEEP_WINDOW_MS", 750)) * time.Millisecond,
			SweepPriceDelta:   getEnvFloat("SWEEP_PRICE_DELTA", 0.10),
			SweepMinTotal:     int64(getEnvInt("SWEEP_MIN_TOTAL", 100)),
			SweepMinExchanges: getEnvInt("SWEEP_MIN_EXCHANGES", 2),
			BlockMinSize:      int64(getEnvInt("BLOCK_MIN_SIZE", 500)),
			BlockIsolation:    time.Duration(getEnvInt("BLOCK_ISOLATION_MS", 100)) * time.Millisecond,
			BlockConditions:   getEnvIntList("BLOCK_CONDITIONS", []int64{229, 230, 233, 234, 235, 236}),
			DarkVenues:        getEnvIntList("DARK_VENUES", []int64{4, 21, 66}),
		},

		Store: StoreConfig{
			Threshold: getEnvFloat("STORE_THRESHOLD", 25_000),
		},
	}
}

// Validate checks the settings that are fatal when missing.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Farm.SessionsTotal <= 0 {
		return fmt.Errorf("SESSIONS_TOTAL must be positive")
	}
	if c.Farm.SessionsStatic < 0 || c.Farm.SessionsStatic > c.Farm.SessionsTotal {
		return fmt.Errorf("SESSIONS_STATIC must be within [0, SESSIONS_TOTAL]")
	}
	if c.Farm.QuotesPerSession <= 0 {
		return fmt.Errorf("QUOTES_PER_SESSION must be positive")
	}
	return nil
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvJSONList parses a JSON string array, falling back to a
// comma-separated list for convenience.
func getEnvJSONList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []string
	if err := json.Unmarshal([]byte(value), &list); err == nil {
		return list
	}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}

// getEnvIntList parses a comma-separated integer list.
func getEnvIntList(key string, defaultValue []int64) []int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var list []int64
	for _, part := range strings.Split(value, ",") {
		var n int64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &n); err == nil {
			list = append(list, n)
		}
	}
	if len(list) == 0 {
		return defaultValue
	}
	return list
}
