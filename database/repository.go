package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository handles database operations for classified trades and
// their daily aggregates.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository over an open connection.
func NewRepository(db *Database) *Repository {
	return &Repository{db: db.DB()}
}

// InitSchema migrates the trades and daily_aggregates tables.
func (r *Repository) InitSchema() error {
	if err := r.db.AutoMigrate(&Trade{}, &DailyAggregate{}); err != nil {
		return fmt.Errorf("InitSchema: %w", err)
	}
	return nil
}

// SaveTrades inserts a batch of trades, silently skipping rows whose
// (contract_symbol, sequence) key already exists. Returns the number of
// rows actually inserted.
func (r *Repository) SaveTrades(trades []*Trade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	res := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contract_symbol"}, {Name: "sequence"}},
		DoNothing: true,
	}).CreateInBatches(trades, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("SaveTrades: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// AggregateDelta is the set of counter increments one stored trade
// contributes to its date's row.
type AggregateDelta struct {
	Trades  int64
	Premium float64

	CallCount   int64
	CallPremium float64
	PutCount    int64
	PutPremium  float64

	SweepCount   int64
	SweepPremium float64
	BlockCount   int64
	BlockPremium float64

	PriorityCount   [4]int64
	PriorityPremium [4]float64
}

// DeltaFor computes the increments a trade contributes. Pure so the
// aggregate-consistency invariant is testable without a database.
func DeltaFor(t *Trade) AggregateDelta {
	d := AggregateDelta{Trades: 1, Premium: t.Premium}
	switch t.Side {
	case "CALL":
		d.CallCount, d.CallPremium = 1, t.Premium
	case "PUT":
		d.PutCount, d.PutPremium = 1, t.Premium
	}
	switch t.TradeType {
	case "SWEEP":
		d.SweepCount, d.SweepPremium = 1, t.Premium
	case "BLOCK":
		d.BlockCount, d.BlockPremium = 1, t.Premium
	}
	if t.Priority >= 1 && t.Priority <= 4 {
		d.PriorityCount[t.Priority-1] = 1
		d.PriorityPremium[t.Priority-1] = t.Premium
	}
	return d
}

// Add accumulates another delta, so a batch can be folded into one
// upsert per date.
func (d *AggregateDelta) Add(o AggregateDelta) {
	d.Trades += o.Trades
	d.Premium += o.Premium
	d.CallCount += o.CallCount
	d.CallPremium += o.CallPremium
	d.PutCount += o.PutCount
	d.PutPremium += o.PutPremium
	d.SweepCount += o.SweepCount
	d.SweepPremium += o.SweepPremium
	d.BlockCount += o.BlockCount
	d.BlockPremium += o.BlockPremium
	for i := 0; i < 4; i++ {
		d.PriorityCount[i] += o.PriorityCount[i]
		d.PriorityPremium[i] += o.PriorityPremium[i]
	}
}

// IncrementDaily applies a delta to the date's aggregate row with a
// single atomic upsert.
func (r *Repository) IncrementDaily(date string, d AggregateDelta) error {
	query := `
		INSERT INTO daily_aggregates (
			date, total_trades, total_premium,
			call_count, call_premium, put_count, put_premium,
			sweep_count, sweep_premium, block_count, block_premium,
			priority1_count, priority1_premium, priority2_count, priority2_premium,
			priority3_count, priority3_premium, priority4_count, priority4_premium,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())
		ON CONFLICT (date) DO UPDATE SET
			total_trades = daily_aggregates.total_trades + EXCLUDED.total_trades,
			total_premium = daily_aggregates.total_premium + EXCLUDED.total_premium,
			call_count = daily_aggregates.call_count + EXCLUDED.call_count,
			call_premium = daily_aggregates.call_premium + EXCLUDED.call_premium,
			put_count = daily_aggregates.put_count + EXCLUDED.put_count,
			put_premium = daily_aggregates.put_premium + EXCLUDED.put_premium,
			sweep_count = daily_aggregates.sweep_count + EXCLUDED.sweep_count,
			sweep_premium = daily_aggregates.sweep_premium + EXCLUDED.sweep_premium,
			block_count = daily_aggregates.block_count + EXCLUDED.block_count,
			block_premium = daily_aggregates.block_premium + EXCLUDED.block_premium,
			priority1_count = daily_aggregates.priority1_count + EXCLUDED.priority1_count,
			priority1_premium = daily_aggregates.priority1_premium + EXCLUDED.priority1_premium,
			priority2_count = daily_aggregates.priority2_count + EXCLUDED.priority2_count,
			priority2_premium = daily_aggregates.priority2_premium + EXCLUDED.priority2_premium,
			priority3_count = daily_aggregates.priority3_count + EXCLUDED.priority3_count,
			priority3_premium = daily_aggregates.priority3_premium + EXCLUDED.priority3_premium,
			priority4_count = daily_aggregates.priority4_count + EXCLUDED.priority4_count,
			priority4_premium = daily_aggregates.priority4_premium + EXCLUDED.priority4_premium,
			updated_at = NOW()
	`
	err := r.db.Exec(query,
		date, d.Trades, d.Premium,
		d.CallCount, d.CallPremium, d.PutCount, d.PutPremium,
		d.SweepCount, d.SweepPremium, d.BlockCount, d.BlockPremium,
		d.PriorityCount[0], d.PriorityPremium[0], d.PriorityCount[1], d.PriorityPremium[1],
		d.PriorityCount[2], d.PriorityPremium[2], d.PriorityCount[3], d.PriorityPremium[3],
	).Error
	if err != nil {
		return fmt.Errorf("IncrementDaily: %w", err)
	}
	return nil
}

// GetDailyStats reads one date's aggregate row and derives the ratios.
func (r *Repository) GetDailyStats(date string) (*DailyStats, error) {
	var agg DailyAggregate
	err := r.db.Where("date = ?", date).First(&agg).Error
	if err == gorm.ErrRecordNotFound {
		return &DailyStats{DailyAggregate: DailyAggregate{Date: date}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetDailyStats: %w", err)
	}
	return &DailyStats{
		DailyAggregate:     agg,
		CallPutRatio:       ratio(agg.CallPremium, agg.PutPremium),
		InstitutionalShare: ratio(agg.SweepPremium+agg.BlockPremium, agg.TotalPremium),
	}, nil
}

// GetRecentTrades retrieves recent stored trades with optional filters.
func (r *Repository) GetRecentTrades(underlying string, tradeType string, limit int) ([]Trade, error) {
	var trades []Trade
	query := r.db.Order("executed_at DESC")

	if underlying != "" {
		query = query.Where("underlying = ?", underlying)
	}
	if tradeType != "" {
		query = query.Where("trade_type = ?", tradeType)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("GetRecentTrades: %w", err)
	}
	return trades, nil
}

// Purge deletes trades executed before the cutoff instant and aggregate
// rows for dates before the given date.
func (r *Repository) Purge(cutoff time.Time, date string) error {
	if err := r.db.Where("executed_at < ?", cutoff).Delete(&Trade{}).Error; err != nil {
		return fmt.Errorf("Purge trades: %w", err)
	}
	if err := r.db.Where("date < ?", date).Delete(&DailyAggregate{}).Error; err != nil {
		return fmt.Errorf("Purge aggregates: %w", err)
	}
	return nil
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
