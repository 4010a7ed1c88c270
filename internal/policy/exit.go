package policy

import (
	"fmt"

	"github.com/paperdesk/rebalancer/internal/models"
)

// ClassThresholds holds the standard exit bands for one asset class.
// ProfitTarget is a positive fraction, StopLoss a negative one.
type ClassThresholds struct {
	ProfitTarget float64
	StopLoss     float64
}

// OverAllocationBands are the stricter P&L thresholds applied to positions
// in a class that has breached its allocation ceiling.
type OverAllocationBands struct {
	ProfitExit        float64 // take the gain, e.g. 0.05
	MinimalProfitExit float64 // take even a small gain, e.g. 0.02
	StopLossExit      float64 // cut the loss early, e.g. -0.08
}

// DefaultClassThresholds are the canonical defaults. The legacy scripts
// disagreed on several of these (15% vs 10% equity stop-loss); these values
// are the single documented set and every deployment can override them.
var DefaultClassThresholds = map[models.AssetClass]ClassThresholds{
	models.AssetClassCrypto: {ProfitTarget: 0.25, StopLoss: -0.15},
	models.AssetClassStock:  {ProfitTarget: 0.20, StopLoss: -0.10},
	models.AssetClassOption: {ProfitTarget: 1.00, StopLoss: -0.50},
}

// DefaultOverAllocationBands mirror the legacy over-allocation carve-outs.
var DefaultOverAllocationBands = OverAllocationBands{
	ProfitExit:        0.05,
	MinimalProfitExit: 0.02,
	StopLossExit:      -0.08,
}

// ExitClassifier evaluates one position at a time against the exit rules.
// It keeps no state across calls; the decision tree is re-run from scratch
// for every position on every pass.
type ExitClassifier struct {
	classes        map[models.AssetClass]ClassThresholds
	overAllocation OverAllocationBands
	allocation     *AllocationPolicy
	// profitTakingFraction sizes the recommended partial sale on a
	// profit-target exit; stop-loss and over-allocation exits always
	// recommend the full quantity.
	profitTakingFraction float64
}

// NewExitClassifier builds a classifier. Nil or empty maps fall back to the
// documented defaults.
func NewExitClassifier(
	classes map[models.AssetClass]ClassThresholds,
	bands OverAllocationBands,
	allocation *AllocationPolicy,
	profitTakingFraction float64,
) *ExitClassifier {
	if len(classes) == 0 {
		classes = DefaultClassThresholds
	}
	if bands == (OverAllocationBands{}) {
		bands = DefaultOverAllocationBands
	}
	if profitTakingFraction <= 0 || profitTakingFraction > 1 {
		profitTakingFraction = 0.5
	}
	return &ExitClassifier{
		classes:              classes,
		overAllocation:       bands,
		allocation:           allocation,
		profitTakingFraction: profitTakingFraction,
	}
}

// Classify evaluates a single position given its class's current share of
// the portfolio. It returns nil for a hold.
//
// The tree runs in two steps: the over-allocation carve-outs first, then
// the standard per-class thresholds. All comparisons are inclusive at the
// boundary. A position with zero market value has a P&L fraction of 0 and
// therefore always holds.
func (c *ExitClassifier) Classify(pos *models.Position, classFraction float64) *models.ExitSignal {
	if pos == nil {
		return nil
	}
	pnl := pos.PnLFraction()

	// Step 1: over-allocation carve-outs. Over-allocation alone never
	// forces out a flat position; it only tightens the bands.
	if maxFraction, governed := c.maxFraction(pos.Class); governed && classFraction >= maxFraction && maxFraction > 0 {
		oa := c.overAllocation
		switch {
		case pnl >= oa.ProfitExit:
			return c.signal(pos, classFraction, models.ExitReasonOverAllocProfit, pos.Quantity,
				fmt.Sprintf("class %.4f >= max %.4f and pnl %.4f >= %.4f", classFraction, maxFraction, pnl, oa.ProfitExit))
		case pnl >= oa.MinimalProfitExit:
			return c.signal(pos, classFraction, models.ExitReasonOverAllocMinimalProfit, pos.Quantity,
				fmt.Sprintf("class %.4f >= max %.4f and pnl %.4f >= %.4f", classFraction, maxFraction, pnl, oa.MinimalProfitExit))
		case pnl <= oa.StopLossExit:
			return c.signal(pos, classFraction, models.ExitReasonOverAllocStopLoss, pos.Quantity,
				fmt.Sprintf("class %.4f >= max %.4f and pnl %.4f <= %.4f", classFraction, maxFraction, pnl, oa.StopLossExit))
		}
		// fall through: flat position in an over-allocated class
	}

	// Step 2: standard class thresholds.
	thresholds, ok := c.classes[pos.Class]
	if !ok {
		return nil
	}
	switch {
	case pnl >= thresholds.ProfitTarget:
		return c.signal(pos, classFraction, models.ExitReasonProfitTarget,
			pos.Quantity*c.profitTakingFraction,
			fmt.Sprintf("pnl %.4f >= profit_target %.4f", pnl, thresholds.ProfitTarget))
	case pnl <= thresholds.StopLoss:
		return c.signal(pos, classFraction, models.ExitReasonStopLoss, pos.Quantity,
			fmt.Sprintf("pnl %.4f <= stop_loss %.4f", pnl, thresholds.StopLoss))
	default:
		return nil
	}
}

// ClassifyAll runs the classifier across every position in the snapshot,
// in snapshot order. Class fractions are computed once per class up front
// so every position in a class sees the same figure.
func (c *ExitClassifier) ClassifyAll(snap *models.PortfolioSnapshot) []models.ExitSignal {
	if snap == nil {
		return nil
	}
	fractions := make(map[models.AssetClass]float64)
	var signals []models.ExitSignal
	for i := range snap.Positions {
		pos := &snap.Positions[i]
		fraction, ok := fractions[pos.Class]
		if !ok {
			fraction = snap.ClassFraction(pos.Class)
			fractions[pos.Class] = fraction
		}
		if sig := c.Classify(pos, fraction); sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func (c *ExitClassifier) maxFraction(class models.AssetClass) (float64, bool) {
	if c.allocation == nil {
		return 0, false
	}
	return c.allocation.MaxFraction(class)
}

func (c *ExitClassifier) signal(pos *models.Position, classFraction float64,
	reason models.ExitReason, sellQty float64, rule string) *models.ExitSignal {
	return &models.ExitSignal{
		Symbol:        pos.Symbol,
		Class:         pos.Class,
		Reason:        reason,
		SellQuantity:  sellQty,
		PnLFraction:   pos.PnLFraction(),
		ClassFraction: classFraction,
		Rule:          rule,
	}
}
