// Package planner converts allocation violations and exit signals into an
// ordered list of trade instructions. It only plans; nothing here touches
// the broker.
package planner

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/paperdesk/rebalancer/internal/models"
)

// Planner builds rebalance plans. It is stateless across passes.
type Planner struct {
	// BuyCandidates lists the liquid instruments used to fill an
	// under-allocated class. The dollar deficit is split evenly across them.
	BuyCandidates map[models.AssetClass][]string
	// MinOrderNotional drops planned orders below this dollar size so the
	// plan never submits dust.
	MinOrderNotional float64
	// Deficits computes under-allocated classes in dollars; wired to the
	// allocation policy by the caller.
	Deficits func(*models.PortfolioSnapshot) map[models.AssetClass]float64
}

// New creates a planner.
func New(buyCandidates map[models.AssetClass][]string, minOrderNotional float64,
	deficits func(*models.PortfolioSnapshot) map[models.AssetClass]float64) *Planner {
	return &Planner{
		BuyCandidates:    buyCandidates,
		MinOrderNotional: minOrderNotional,
		Deficits:         deficits,
	}
}

// BuildPlan produces the ordered instruction list for one pass.
//
// Tiers are strict: CRITICAL stop-loss exits first, unconditionally; then
// HIGH profit-taking and allocation-driven reductions; then MEDIUM
// allocation-driven purchases. Order within a tier is stable. A snapshot
// with zero or negative portfolio value yields an empty plan.
func (p *Planner) BuildPlan(
	snap *models.PortfolioSnapshot,
	violations []models.AllocationViolation,
	signals []models.ExitSignal,
) *models.RebalancePlan {
	plan := &models.RebalancePlan{}
	if snap == nil || snap.PortfolioValue <= 0 {
		return plan
	}

	positions := indexPositions(snap)

	// Tier 1: stop-loss exits, regardless of allocation state.
	for i := range signals {
		sig := &signals[i]
		if !sig.Reason.IsStopLoss() {
			continue
		}
		p.appendSell(plan, positions, sig, models.TierCritical)
	}

	// Tier 2a: profit-taking on winners.
	sold := plan.SellSymbols()
	for i := range signals {
		sig := &signals[i]
		if sig.Reason.IsStopLoss() || sold[sig.Symbol] {
			continue
		}
		p.appendSell(plan, positions, sig, models.TierHigh)
		sold[sig.Symbol] = true
	}

	// Tier 2b: allocation-driven reductions for each violated class.
	for i := range violations {
		p.planReduction(plan, snap, &violations[i], sold)
	}

	// Tier 3: allocation-driven purchases for under-allocated classes.
	p.planPurchases(plan, snap)

	// Construction already runs tier by tier; the stable sort re-asserts
	// the priority law if that ever changes.
	sort.SliceStable(plan.Instructions, func(i, j int) bool {
		return plan.Instructions[i].Tier < plan.Instructions[j].Tier
	})
	return plan
}

// planReduction sells down an over-allocated class, worst performers first,
// until the excess dollars are covered or the class runs out of positions.
// Positions already sold earlier in the plan are skipped, but the value
// those sales free up still counts against the excess.
func (p *Planner) planReduction(plan *models.RebalancePlan, snap *models.PortfolioSnapshot,
	violation *models.AllocationViolation, sold map[string]bool) {

	remaining := violation.ExcessValue(snap.PortfolioValue)
	for i := range plan.Instructions {
		inst := &plan.Instructions[i]
		if inst.Side == models.TradeSideSell && inst.Class == violation.Class {
			remaining -= inst.NotionalValue
		}
	}
	if remaining <= 0 {
		return
	}

	candidates := snap.PositionsInClass(violation.Class)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PnLFraction() < candidates[j].PnLFraction()
	})

	for i := range candidates {
		if remaining <= 0 {
			break
		}
		pos := &candidates[i]
		if sold[pos.Symbol] || pos.Quantity <= 0 {
			continue
		}
		value := math.Abs(pos.MarketValue)
		if value == 0 {
			continue
		}

		sellValue := value
		sellQty := pos.Quantity
		if sellValue > remaining {
			// Partial reduction: trim just enough of the position.
			sellQty = pos.Quantity * (remaining / value)
			sellValue = remaining
		}
		if sellValue < p.MinOrderNotional || sellQty <= 0 {
			continue
		}

		qty := sellQty
		plan.Instructions = append(plan.Instructions, models.TradeInstruction{
			ID:            uuid.New().String(),
			Side:          models.TradeSideSell,
			Symbol:        pos.Symbol,
			Class:         pos.Class,
			Quantity:      &qty,
			NotionalValue: sellValue,
			Tier:          models.TierHigh,
			Rationale: fmt.Sprintf("reduce %s allocation: current %.1f%% vs target %.1f%% (pnl %.1f%%)",
				violation.Class, violation.CurrentFraction*100, violation.TargetFraction*100,
				pos.PnLFraction()*100),
		})
		sold[pos.Symbol] = true
		remaining -= sellValue
	}
}

// planPurchases splits each class deficit evenly across the configured
// candidate list. Quantity is left nil: it is resolved against a live quote
// at execution time, and a resolved quantity of zero is skipped there.
func (p *Planner) planPurchases(plan *models.RebalancePlan, snap *models.PortfolioSnapshot) {
	if p.Deficits == nil {
		return
	}
	deficits := p.Deficits(snap)
	classes := make([]models.AssetClass, 0, len(deficits))
	for class := range deficits {
		if len(p.BuyCandidates[class]) > 0 {
			classes = append(classes, class)
		}
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	for _, class := range classes {
		candidates := p.BuyCandidates[class]
		perCandidate := deficits[class] / float64(len(candidates))
		if perCandidate < p.MinOrderNotional || perCandidate <= 0 {
			continue
		}
		for _, symbol := range candidates {
			plan.Instructions = append(plan.Instructions, models.TradeInstruction{
				ID:            uuid.New().String(),
				Side:          models.TradeSideBuy,
				Symbol:        symbol,
				Class:         class,
				NotionalValue: perCandidate,
				Tier:          models.TierMedium,
				Rationale: fmt.Sprintf("fill %s allocation deficit: $%.2f split across %d candidate(s)",
					class, deficits[class], len(candidates)),
			})
		}
	}
}

func (p *Planner) appendSell(plan *models.RebalancePlan, positions map[string]*models.Position,
	sig *models.ExitSignal, tier models.PriorityTier) {

	pos, ok := positions[sig.Symbol]
	if !ok || sig.SellQuantity <= 0 {
		return
	}
	notional := 0.0
	if pos.Quantity != 0 {
		notional = math.Abs(pos.MarketValue) * (sig.SellQuantity / pos.Quantity)
	}
	qty := sig.SellQuantity
	plan.Instructions = append(plan.Instructions, models.TradeInstruction{
		ID:            uuid.New().String(),
		Side:          models.TradeSideSell,
		Symbol:        sig.Symbol,
		Class:         sig.Class,
		Quantity:      &qty,
		NotionalValue: notional,
		Tier:          tier,
		Rationale:     fmt.Sprintf("%s: %s", sig.Reason, sig.Rule),
		SourceReason:  sig.Reason,
	})
}

func indexPositions(snap *models.PortfolioSnapshot) map[string]*models.Position {
	out := make(map[string]*models.Position, len(snap.Positions))
	for i := range snap.Positions {
		out[snap.Positions[i].Symbol] = &snap.Positions[i]
	}
	return out
}
