package signals

import (
	"github.com/atlas-desktop/signal-relay/pkg/utils"
	"github.com/shopspring/decimal"
)

// FieldPresence describes which fields a signal ended up with.
type FieldPresence struct {
	Symbol       bool
	Side         bool
	Entry        bool
	StopLoss     bool
	Targets      bool
	CalculatedSL bool
}

var (
	weightSymbol        = decimal.RequireFromString("0.3")
	weightSide          = decimal.RequireFromString("0.3")
	weightEntry         = decimal.RequireFromString("0.2")
	weightStopLoss      = decimal.RequireFromString("0.1")
	weightTargets       = decimal.RequireFromString("0.1")
	penaltyCalculatedSL = decimal.RequireFromString("0.05")
)

// Confidence scores a field set in [0, 1]. Explicit fields add weight and a
// synthesized stop-loss costs a small penalty.
func Confidence(f FieldPresence) float64 {
	score := decimal.Zero
	if f.Symbol {
		score = score.Add(weightSymbol)
	}
	if f.Side {
		score = score.Add(weightSide)
	}
	if f.Entry {
		score = score.Add(weightEntry)
	}
	if f.StopLoss {
		score = score.Add(weightStopLoss)
	}
	if f.Targets {
		score = score.Add(weightTargets)
	}
	if f.CalculatedSL {
		score = score.Sub(penaltyCalculatedSL)
	}
	return utils.ClampDecimal(score, decimal.Zero, decimal.NewFromInt(1)).InexactFloat64()
}
