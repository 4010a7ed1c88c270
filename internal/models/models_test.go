package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPnLFraction(t *testing.T) {
	tests := []struct {
		name     string
		pos      Position
		expected float64
	}{
		{
			name:     "profit",
			pos:      Position{MarketValue: 1000, UnrealizedPnL: 250},
			expected: 0.25,
		},
		{
			name:     "loss",
			pos:      Position{MarketValue: 1000, UnrealizedPnL: -150},
			expected: -0.15,
		},
		{
			name:     "zero market value yields zero, not a division error",
			pos:      Position{MarketValue: 0, UnrealizedPnL: 500},
			expected: 0,
		},
		{
			name:     "short position uses absolute market value",
			pos:      Position{MarketValue: -2000, UnrealizedPnL: 100},
			expected: 0.05,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.pos.PnLFraction(), 1e-9)
		})
	}
}

func TestClassFraction_ZeroPortfolioValue(t *testing.T) {
	snap := &PortfolioSnapshot{
		PortfolioValue: 0,
		Positions: []Position{
			{Symbol: "BTCUSD", Class: AssetClassCrypto, MarketValue: 5000},
		},
	}
	assert.Zero(t, snap.ClassFraction(AssetClassCrypto))

	snap.PortfolioValue = -100
	assert.Zero(t, snap.ClassFraction(AssetClassCrypto))
}

func TestClassValue(t *testing.T) {
	snap := &PortfolioSnapshot{
		Cash:           2000,
		PortfolioValue: 10000,
		Positions: []Position{
			{Symbol: "BTCUSD", Class: AssetClassCrypto, MarketValue: 3000},
			{Symbol: "ETHUSD", Class: AssetClassCrypto, MarketValue: 2000},
			{Symbol: "AAPL", Class: AssetClassStock, MarketValue: 3000},
		},
	}

	assert.InDelta(t, 5000.0, snap.ClassValue(AssetClassCrypto), 1e-9)
	assert.InDelta(t, 3000.0, snap.ClassValue(AssetClassStock), 1e-9)
	assert.InDelta(t, 2000.0, snap.ClassValue(AssetClassCash), 1e-9)
	assert.InDelta(t, 0.5, snap.ClassFraction(AssetClassCrypto), 1e-9)
}

func TestClassifySymbol(t *testing.T) {
	tests := []struct {
		symbol   string
		expected AssetClass
	}{
		{"BTCUSD", AssetClassCrypto},
		{"ETHUSD", AssetClassCrypto},
		{"DOGEUSD", AssetClassCrypto},
		{"BTC/USD", AssetClassCrypto},
		{"BTCUSDT", AssetClassCrypto},
		{"AAPL", AssetClassStock},
		{"SPY", AssetClassStock},
		// Documented misclassification: coin tickers longer than four
		// letters fall through the length bound.
		{"MATICUSD", AssetClassStock},
		// An 8-letter equity ending in USD would be kept out by length too.
		{"ABCDEUSD", AssetClassStock},
		{"SPY240119C00450000", AssetClassOption},
		{"AAPL261218P00150000", AssetClassOption},
		{"", AssetClassStock},
	}

	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifySymbol(tt.symbol))
		})
	}
}

func TestPlanSellSymbols(t *testing.T) {
	qty := 1.0
	plan := &RebalancePlan{Instructions: []TradeInstruction{
		{Side: TradeSideSell, Symbol: "BTCUSD", Quantity: &qty},
		{Side: TradeSideBuy, Symbol: "SPY"},
	}}

	sold := plan.SellSymbols()
	assert.True(t, sold["BTCUSD"])
	assert.False(t, sold["SPY"])
}

func TestPriorityTierString(t *testing.T) {
	assert.Equal(t, "CRITICAL", TierCritical.String())
	assert.Equal(t, "HIGH", TierHigh.String())
	assert.Equal(t, "MEDIUM", TierMedium.String())
}
