package database

import (
	"time"

	"github.com/lib/pq"
)

// Trade is one persisted classified options trade. The unique index on
// (contract_symbol, sequence) backs the idempotent upsert.
type Trade struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	ContractSymbol string `gorm:"size:32;not null;uniqueIndex:idx_trades_contract_sequence,priority:1"`
	Sequence       int64  `gorm:"not null;uniqueIndex:idx_trades_contract_sequence,priority:2"`

	Underlying string    `gorm:"size:12;index"`
	Expiration time.Time `gorm:"type:date"`
	Side       string    `gorm:"size:4"`
	Strike     float64   `gorm:"type:numeric(12,2)"`

	Price      float64       `gorm:"type:numeric(12,4)"`
	Size       int64         `gorm:"not null"`
	Premium    float64       `gorm:"type:numeric(16,2);index"`
	ExchangeID int           `gorm:"column:exchange_id"`
	Conditions pq.Int64Array `gorm:"type:integer[]"`
	ExecutedAt time.Time     `gorm:"type:timestamptz(3);index"` // ms precision

	TradeType      string `gorm:"size:8;index"`
	ExecutionLevel string `gorm:"size:12"`
	Priority       int    `gorm:"index"`
	Highlighted    bool
	UrgencyScore   int
	UrgencyLevel   string `gorm:"size:12"`
	FlowDirection  string `gorm:"size:8"`

	SweepID            string `gorm:"size:20;index"`
	SweepSize          int64
	SweepExchangeCount int
	SweepExchanges     pq.StringArray `gorm:"type:text[]"`

	IsBlock     bool
	BlockReason string `gorm:"size:20"`

	CreatedAt time.Time
}

// TableName overrides the GORM default.
func (Trade) TableName() string {
	return "trades"
}

// DailyAggregate is the per-date counter row maintained by atomic
// increments on every stored trade. Ratios are computed on read.
type DailyAggregate struct {
	Date string `gorm:"primaryKey;size:10"` // YYYY-MM-DD in the rollover timezone

	TotalTrades  int64
	TotalPremium float64 `gorm:"type:numeric(18,2)"`

	CallCount   int64
	CallPremium float64 `gorm:"type:numeric(18,2)"`
	PutCount    int64
	PutPremium  float64 `gorm:"type:numeric(18,2)"`

	SweepCount   int64
	SweepPremium float64 `gorm:"type:numeric(18,2)"`
	BlockCount   int64
	BlockPremium float64 `gorm:"type:numeric(18,2)"`

	Priority1Count   int64
	Priority1Premium float64 `gorm:"type:numeric(18,2)"`
	Priority2Count   int64
	Priority2Premium float64 `gorm:"type:numeric(18,2)"`
	Priority3Count   int64
	Priority3Premium float64 `gorm:"type:numeric(18,2)"`
	Priority4Count   int64
	Priority4Premium float64 `gorm:"type:numeric(18,2)"`

	UpdatedAt time.Time
}

// TableName overrides the GORM default.
func (DailyAggregate) TableName() string {
	return "daily_aggregates"
}

// DailyStats is a DailyAggregate plus the ratios derived on read.
type DailyStats struct {
	DailyAggregate
	CallPutRatio       float64 `json:"call_put_ratio"`
	InstitutionalShare float64 `json:"institutional_share"`
}
