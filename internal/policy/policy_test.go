package policy

import (
	"testing"

	"github.com/paperdesk/rebalancer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultAllocation() *AllocationPolicy {
	return NewAllocationPolicy(map[models.AssetClass]float64{
		models.AssetClassCrypto: 0.30,
		models.AssetClassStock:  0.40,
	}, 1.5, 0.2)
}

func defaultClassifier(allocation *AllocationPolicy) *ExitClassifier {
	return NewExitClassifier(nil, OverAllocationBands{}, allocation, 0.5)
}

func TestViolations_ConcentratedCrypto(t *testing.T) {
	// Scenario: $100k portfolio, $89.5k in crypto against a 30% target.
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, MarketValue: 89_500},
		},
	}

	violations := defaultAllocation().Violations(snap)
	require.Len(t, violations, 1)

	v := violations[0]
	assert.Equal(t, models.AssetClassCrypto, v.Class)
	assert.Equal(t, models.SeverityCritical, v.Severity)
	assert.InDelta(t, 0.895, v.CurrentFraction, 1e-9)
	assert.InDelta(t, 0.595, v.ExcessFraction, 1e-9)
	assert.InDelta(t, 59_500, v.ExcessValue(snap.PortfolioValue), 1e-6)
}

func TestViolations_WithinToleranceBand(t *testing.T) {
	// current == target * 1.5 exactly is still compliant; the violation
	// threshold is strict.
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, MarketValue: 45_000},
		},
	}

	assert.Empty(t, defaultAllocation().Violations(snap))
}

func TestViolations_HighSeverityBelowCriticalExcess(t *testing.T) {
	// 48% crypto vs 30% target: violation (over 45%) with excess 0.18 <= 0.2.
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			{Symbol: "ETHUSD", Class: models.AssetClassCrypto, MarketValue: 48_000},
		},
	}

	violations := defaultAllocation().Violations(snap)
	require.Len(t, violations, 1)
	assert.Equal(t, models.SeverityHigh, violations[0].Severity)
}

func TestViolations_ZeroPortfolioValue(t *testing.T) {
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 0,
		Positions: []models.Position{
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, MarketValue: 5000},
		},
	}
	assert.Empty(t, defaultAllocation().Violations(snap))
}

func TestViolations_SortedCriticalFirst(t *testing.T) {
	policy := NewAllocationPolicy(map[models.AssetClass]float64{
		models.AssetClassCrypto: 0.10,
		models.AssetClassStock:  0.30,
	}, 1.5, 0.2)
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			// stock: 49% vs 30% target -> excess 0.19 -> HIGH
			{Symbol: "SPY", Class: models.AssetClassStock, MarketValue: 49_000},
			// crypto: 51% vs 10% target -> excess 0.41 -> CRITICAL
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, MarketValue: 51_000},
		},
	}

	violations := policy.Violations(snap)
	require.Len(t, violations, 2)
	assert.Equal(t, models.SeverityCritical, violations[0].Severity)
	assert.Equal(t, models.AssetClassCrypto, violations[0].Class)
	assert.Equal(t, models.SeverityHigh, violations[1].Severity)
}

func TestDeficits(t *testing.T) {
	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Cash:           90_000,
		Positions: []models.Position{
			{Symbol: "SPY", Class: models.AssetClassStock, MarketValue: 10_000},
		},
	}

	deficits := defaultAllocation().Deficits(snap)
	assert.InDelta(t, 30_000, deficits[models.AssetClassCrypto], 1e-6)
	assert.InDelta(t, 30_000, deficits[models.AssetClassStock], 1e-6)
}

func TestClassify_CryptoStopLoss(t *testing.T) {
	// Entry $100, current $75: pnl fraction -0.25 against a -0.15 stop.
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	pos := &models.Position{
		Symbol:        "BTCUSD",
		Class:         models.AssetClassCrypto,
		Quantity:      10,
		AvgEntryPrice: 100,
		CurrentPrice:  75,
		MarketValue:   750,
		UnrealizedPnL: -250 * 0.75, // -187.5 on 750 = -0.25
	}
	require.InDelta(t, -0.25, pos.PnLFraction(), 1e-9)

	sig := classifier.Classify(pos, 0.20)
	require.NotNil(t, sig)
	assert.Equal(t, models.ExitReasonStopLoss, sig.Reason)
	assert.InDelta(t, 10.0, sig.SellQuantity, 1e-9)
	assert.NotEmpty(t, sig.Rule)
}

func TestClassify_OptionThresholds(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	// Options at +110% against a 100% profit target: exit.
	winner := &models.Position{
		Symbol:        "SPY240119C00450000",
		Class:         models.AssetClassOption,
		Quantity:      2,
		MarketValue:   1000,
		UnrealizedPnL: 1100,
	}
	sig := classifier.Classify(winner, 0.05)
	require.NotNil(t, sig)
	assert.Equal(t, models.ExitReasonProfitTarget, sig.Reason)
	// Profit target is a partial exit: half the quantity.
	assert.InDelta(t, 1.0, sig.SellQuantity, 1e-9)

	// Options at -30% against a -50% stop: hold.
	loser := &models.Position{
		Symbol:        "SPY240119P00400000",
		Class:         models.AssetClassOption,
		Quantity:      2,
		MarketValue:   1000,
		UnrealizedPnL: -300,
	}
	assert.Nil(t, classifier.Classify(loser, 0.05))
}

func TestClassify_InclusiveBoundaries(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	atProfitTarget := &models.Position{
		Symbol: "BTCUSD", Class: models.AssetClassCrypto,
		Quantity: 1, MarketValue: 1000, UnrealizedPnL: 250, // exactly 0.25
	}
	sig := classifier.Classify(atProfitTarget, 0.10)
	require.NotNil(t, sig)
	assert.Equal(t, models.ExitReasonProfitTarget, sig.Reason)

	atStopLoss := &models.Position{
		Symbol: "ETHUSD", Class: models.AssetClassCrypto,
		Quantity: 1, MarketValue: 1000, UnrealizedPnL: -150, // exactly -0.15
	}
	sig = classifier.Classify(atStopLoss, 0.10)
	require.NotNil(t, sig)
	assert.Equal(t, models.ExitReasonStopLoss, sig.Reason)
}

func TestClassify_OverAllocationBranches(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)
	// Crypto ceiling is 0.30 * 1.5 = 0.45; classFraction 0.50 is over.
	const overFraction = 0.50

	tests := []struct {
		name     string
		pnl      float64
		expected models.ExitReason
		hold     bool
	}{
		{"profitable position exits", 60, models.ExitReasonOverAllocProfit, false},
		{"minimally profitable position exits", 30, models.ExitReasonOverAllocMinimalProfit, false},
		{"bleeding position exits early", -90, models.ExitReasonOverAllocStopLoss, false},
		{"flat position falls through to hold", 5, "", true},
		{"boundary: exactly 5% profit", 50, models.ExitReasonOverAllocProfit, false},
		{"boundary: exactly 2% profit", 20, models.ExitReasonOverAllocMinimalProfit, false},
		{"boundary: exactly -8% loss", -80, models.ExitReasonOverAllocStopLoss, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := &models.Position{
				Symbol: "BTCUSD", Class: models.AssetClassCrypto,
				Quantity: 4, MarketValue: 1000, UnrealizedPnL: tt.pnl,
			}
			sig := classifier.Classify(pos, overFraction)
			if tt.hold {
				assert.Nil(t, sig)
				return
			}
			require.NotNil(t, sig)
			assert.Equal(t, tt.expected, sig.Reason)
			// Over-allocation exits recommend the full quantity.
			assert.InDelta(t, 4.0, sig.SellQuantity, 1e-9)
		})
	}
}

func TestClassify_OverAllocationDoesNotMaskStandardRules(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	// Over-allocated class, position bleeding past the standard stop but
	// not the over-allocation band? Impossible: -15% < -8%, the carve-out
	// fires first. Verify the flat fall-through still hits the standard
	// profit target when pnl is between bands and above it.
	pos := &models.Position{
		Symbol: "BTCUSD", Class: models.AssetClassCrypto,
		Quantity: 1, MarketValue: 1000, UnrealizedPnL: -50, // -5%: inside all bands
	}
	assert.Nil(t, classifier.Classify(pos, 0.50))
}

func TestClassify_ZeroMarketValueHolds(t *testing.T) {
	classifier := defaultClassifier(defaultAllocation())
	pos := &models.Position{
		Symbol: "AAPL", Class: models.AssetClassStock,
		Quantity: 10, MarketValue: 0, UnrealizedPnL: 9999,
	}
	assert.Nil(t, classifier.Classify(pos, 0.10))
}

func TestClassifyAll_UsesPerClassFractions(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			// Crypto is 50% of portfolio: over the 45% ceiling.
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, Quantity: 1,
				MarketValue: 40_000, UnrealizedPnL: 4000}, // +10% -> over_allocation_profit
			{Symbol: "ETHUSD", Class: models.AssetClassCrypto, Quantity: 1,
				MarketValue: 10_000, UnrealizedPnL: 0}, // flat -> hold
			// Stock well within policy, mid-band pnl -> hold.
			{Symbol: "AAPL", Class: models.AssetClassStock, Quantity: 1,
				MarketValue: 20_000, UnrealizedPnL: 1000},
		},
	}

	signals := classifier.ClassifyAll(snap)
	require.Len(t, signals, 1)
	assert.Equal(t, "BTCUSD", signals[0].Symbol)
	assert.Equal(t, models.ExitReasonOverAllocProfit, signals[0].Reason)
	assert.InDelta(t, 0.50, signals[0].ClassFraction, 1e-9)
}

func TestClassifyAll_Idempotent(t *testing.T) {
	allocation := defaultAllocation()
	classifier := defaultClassifier(allocation)

	snap := &models.PortfolioSnapshot{
		PortfolioValue: 100_000,
		Positions: []models.Position{
			{Symbol: "BTCUSD", Class: models.AssetClassCrypto, Quantity: 2,
				MarketValue: 10_000, UnrealizedPnL: -2000},
			{Symbol: "AAPL", Class: models.AssetClassStock, Quantity: 5,
				MarketValue: 30_000, UnrealizedPnL: 9000},
		},
	}

	first := classifier.ClassifyAll(snap)
	second := classifier.ClassifyAll(snap)
	assert.Equal(t, first, second)
}
