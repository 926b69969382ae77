package classifier

import (
	"math"
	"time"

	"flow-radar/aggregator"
	"flow-radar/contract"
	"flow-radar/quotes"
)

// ExecutionLevel places a print against the NBBO at execution time.
type ExecutionLevel string

const (
	AboveAsk ExecutionLevel = "ABOVE_ASK"
	AtAsk    ExecutionLevel = "AT_ASK"
	Mid      ExecutionLevel = "MID"
	AtBid    ExecutionLevel = "AT_BID"
	BelowBid ExecutionLevel = "BELOW_BID"
	Unknown  ExecutionLevel = "UNKNOWN"
)

// FlowDirection is the inferred directional read of a print.
type FlowDirection string

const (
	Bullish FlowDirection = "BULLISH"
	Bearish FlowDirection = "BEARISH"
	Neutral FlowDirection = "NEUTRAL"
)

// Urgency bundles the 0-100 score with its display lookups.
type Urgency struct {
	Score int    `json:"score"`
	Level string `json:"level"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// Trade is a fully classified print, published once to the persistence
// sink (above the store threshold) and once to the broadcast hub.
type Trade struct {
	aggregator.RawTrade

	Contract contract.Contract
	Premium  float64

	Type           aggregator.TradeType
	ExecutionLevel ExecutionLevel
	Priority       int
	Highlighted    bool
	Urgency        Urgency
	Direction      FlowDirection

	SweepID            string
	SweepSize          int64
	SweepExchangeCount int
	SweepExchanges     []string

	IsBlock     bool
	BlockReason aggregator.BlockReason

	ProcessedAt time.Time
}

// aggressiveConditionCodes mark urgent executions (ISO and intermarket
// sweep prints).
var aggressiveConditionCodes = map[int64]struct{}{
	220: {},
	229: {},
	230: {},
}

const (
	// tolerance when snapping a price to an NBBO level
	priceTolerance = 0.01

	urgencySweepBase        = 30
	urgencyExchangeBonusMax = 15
	urgencyAggressiveBonus  = 20
	urgencyBlockBase        = 10
)

// Classifier combines the aggregator verdict with quote context. It is
// stateless and safe to share across shards.
type Classifier struct{}

func New() *Classifier { return &Classifier{} }

// Classify produces the downstream fields for one trade. hasQuote is
// false when the quote cache had no entry for the contract.
func (c *Classifier) Classify(t aggregator.RawTrade, ct contract.Contract, v aggregator.Verdict, q quotes.Quote, hasQuote bool) Trade {
	premium := t.Price * float64(t.Size) * 100
	level := executionLevel(t.Price, q, hasQuote)
	priority, highlighted := priorityFor(v.Type, level, premium)
	aggressive := hasAggressiveCondition(t.Conditions)

	return Trade{
		RawTrade:           t,
		Contract:           ct,
		Premium:            premium,
		Type:               v.Type,
		ExecutionLevel:     level,
		Priority:           priority,
		Highlighted:        highlighted,
		Urgency:            urgencyFor(v, aggressive, premium),
		Direction:          directionFor(ct.Side, v.Type, aggressive, premium),
		SweepID:            v.SweepID,
		SweepSize:          v.SweepSize,
		SweepExchangeCount: v.SweepExchangeCount,
		SweepExchanges:     v.SweepExchanges,
		IsBlock:            v.IsBlock,
		BlockReason:        v.BlockReason,
		ProcessedAt:        time.Now(),
	}
}

// executionLevel buckets a price against the NBBO. An absent or invalid
// quote yields UNKNOWN; a price that matches no tolerance band snaps to
// the side of the midpoint it sits on.
func executionLevel(price float64, q quotes.Quote, hasQuote bool) ExecutionLevel {
	if !hasQuote || !q.Valid() {
		return Unknown
	}
	mid := q.Mid()
	switch {
	case price > q.Ask+priceTolerance:
		return AboveAsk
	case math.Abs(price-q.Ask) <= priceTolerance:
		return AtAsk
	case math.Abs(price-mid) <= priceTolerance:
		return Mid
	case math.Abs(price-q.Bid) <= priceTolerance:
		return AtBid
	case price < q.Bid-priceTolerance:
		return BelowBid
	case price > mid:
		return AtAsk
	case price < mid:
		return AtBid
	default:
		return Mid
	}
}

// priorityFor is the (trade_type, execution_level) lookup. 1 is highest.
func priorityFor(t aggregator.TradeType, level ExecutionLevel, premium float64) (int, bool) {
	institutional := t == aggregator.TypeSweep || t == aggregator.TypeBlock
	if level == Unknown {
		return 4, false
	}
	if institutional {
		switch level {
		case AboveAsk:
			return 1, true
		case AtAsk:
			return 2, premium >= 100_000
		case AtBid:
			return 3, premium >= 250_000
		default: // MID, BELOW_BID
			return 4, false
		}
	}
	switch level {
	case AboveAsk, AtAsk:
		return 3, premium >= 200_000
	default: // AT_BID, MID, BELOW_BID
		return 4, premium >= 300_000
	}
}

func urgencyFor(v aggregator.Verdict, aggressive bool, premium float64) Urgency {
	score := 0
	if v.Type == aggregator.TypeSweep {
		score += urgencySweepBase
		bonus := (v.SweepExchangeCount - 1) * 5
		if bonus > urgencyExchangeBonusMax {
			bonus = urgencyExchangeBonusMax
		}
		if bonus > 0 {
			score += bonus
		}
	}
	score += premiumBand(premium)
	if aggressive {
		score += urgencyAggressiveBonus
	}
	if v.Type == aggregator.TypeBlock {
		score += urgencyBlockBase
	}
	if score > 100 {
		score = 100
	}

	level, label, color := urgencyLookup(score)
	return Urgency{Score: score, Level: level, Label: label, Color: color}
}

// premiumBand maps notional size to the 0..30 urgency component.
func premiumBand(premium float64) int {
	switch {
	case premium >= 1_000_000:
		return 30
	case premium >= 500_000:
		return 25
	case premium >= 250_000:
		return 20
	case premium >= 100_000:
		return 15
	case premium >= 50_000:
		return 10
	case premium >= 25_000:
		return 5
	default:
		return 0
	}
}

func urgencyLookup(score int) (level, label, color string) {
	switch {
	case score >= 80:
		return "EXTREME", "Extreme urgency", "#dc2626"
	case score >= 60:
		return "HIGH", "High urgency", "#ea580c"
	case score >= 40:
		return "MODERATE", "Moderate urgency", "#f59e0b"
	default:
		return "LOW", "Low urgency", "#6b7280"
	}
}

// directionFor infers flow direction from the contract side, the trade
// type, the premium and the aggressive-condition flag. The execution
// level is not consulted, so an UNKNOWN execution level can still carry
// a direction.
func directionFor(side contract.Side, t aggregator.TradeType, aggressive bool, premium float64) FlowDirection {
	directional := t == aggregator.TypeSweep ||
		(t == aggregator.TypeBlock && premium >= 200_000) ||
		(aggressive && premium >= 100_000)
	if !directional {
		return Neutral
	}
	if side == contract.SideCall {
		return Bullish
	}
	return Bearish
}

func hasAggressiveCondition(conditions []int64) bool {
	for _, c := range conditions {
		if _, ok := aggressiveConditionCodes[c]; ok {
			return true
		}
	}
	return false
}
