package models

// Severity grades how far an allocation has drifted past policy.
type Severity string

const (
	// SeverityHigh means the class is over target but the excess is within 20 points.
	SeverityHigh Severity = "HIGH"
	// SeverityCritical means the excess fraction is above 0.2.
	SeverityCritical Severity = "CRITICAL"
)

// AllocationViolation records one asset class breaching its target band.
// CurrentFraction and TargetFraction are kept alongside the derived excess
// so a reader of the audit log can verify the rule that fired.
type AllocationViolation struct {
	Class           AssetClass `json:"class"`
	CurrentFraction float64    `json:"current_fraction"`
	TargetFraction  float64    `json:"target_fraction"`
	ExcessFraction  float64    `json:"excess_fraction"`
	Severity        Severity   `json:"severity"`
}

// ExcessValue converts the excess fraction into dollars against the given
// portfolio value.
func (v *AllocationViolation) ExcessValue(portfolioValue float64) float64 {
	if portfolioValue <= 0 {
		return 0
	}
	return v.ExcessFraction * portfolioValue
}

// ExitReason names the rule that forced a position out.
type ExitReason string

const (
	// ExitReasonStopLoss fires when the loss fraction breaches the class stop-loss.
	ExitReasonStopLoss ExitReason = "stop_loss"
	// ExitReasonProfitTarget fires when the gain fraction meets the class profit target.
	ExitReasonProfitTarget ExitReason = "profit_target"
	// ExitReasonOverAllocProfit fires for a clearly profitable position in an over-allocated class.
	ExitReasonOverAllocProfit ExitReason = "over_allocation_profit"
	// ExitReasonOverAllocMinimalProfit fires for a marginally profitable position in an over-allocated class.
	ExitReasonOverAllocMinimalProfit ExitReason = "over_allocation_minimal_profit"
	// ExitReasonOverAllocStopLoss fires for a bleeding position in an over-allocated class.
	ExitReasonOverAllocStopLoss ExitReason = "over_allocation_stop_loss"
	// ExitReasonModestProfit marks a discretionary partial exit on a modest winner.
	ExitReasonModestProfit ExitReason = "modest_profit"
)

// IsStopLoss reports whether the reason is one of the forced loss exits.
func (r ExitReason) IsStopLoss() bool {
	return r == ExitReasonStopLoss || r == ExitReasonOverAllocStopLoss
}

// ExitSignal is the classifier's verdict for a single position. A held
// position produces no signal at all rather than a "hold" record.
type ExitSignal struct {
	Symbol       string     `json:"symbol"`
	Class        AssetClass `json:"class"`
	Reason       ExitReason `json:"reason"`
	SellQuantity float64    `json:"sell_quantity"`
	// PnLFraction and ClassFraction are the numeric inputs the rule saw,
	// recorded so every decision is explainable after the fact.
	PnLFraction   float64 `json:"pnl_fraction"`
	ClassFraction float64 `json:"class_fraction"`
	Rule          string  `json:"rule"`
}

// TradeSide is the direction of a planned order.
type TradeSide string

const (
	// TradeSideBuy buys to increase an under-allocated class.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell sells to exit or reduce a position.
	TradeSideSell TradeSide = "sell"
)

// PriorityTier orders instructions within a plan. Lower values execute first.
type PriorityTier int

const (
	// TierCritical is reserved for stop-loss exits; always executed first.
	TierCritical PriorityTier = iota
	// TierHigh covers profit-taking and allocation-driven reductions.
	TierHigh
	// TierMedium covers allocation-driven purchases.
	TierMedium
)

// String returns the tier name used in reports.
func (t PriorityTier) String() string {
	switch t {
	case TierCritical:
		return "CRITICAL"
	case TierHigh:
		return "HIGH"
	case TierMedium:
		return "MEDIUM"
	default:
		return "UNKNOWN"
	}
}

// TradeInstruction is one planned order. Quantity is nil for buys that are
// sized in dollars and resolved against a live quote at execution time.
type TradeInstruction struct {
	ID            string       `json:"id"`
	Side          TradeSide    `json:"side"`
	Symbol        string       `json:"symbol"`
	Class         AssetClass   `json:"class"`
	Quantity      *float64     `json:"quantity,omitempty"`
	NotionalValue float64      `json:"notional_value"`
	Tier          PriorityTier `json:"tier"`
	Rationale     string       `json:"rationale"`
	SourceReason  ExitReason   `json:"source_reason,omitempty"`
}

// RebalancePlan is the ordered output of one planning pass.
type RebalancePlan struct {
	Instructions []TradeInstruction `json:"instructions"`
}

// SellSymbols returns the set of symbols the plan already sells, used to
// enforce the no-double-sell rule.
func (p *RebalancePlan) SellSymbols() map[string]bool {
	out := make(map[string]bool)
	for i := range p.Instructions {
		if p.Instructions[i].Side == TradeSideSell {
			out[p.Instructions[i].Symbol] = true
		}
	}
	return out
}
