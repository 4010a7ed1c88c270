// Package models defines the value objects shared by the decision pipeline.
//
// Everything in this package is constructed fresh from a broker snapshot at
// the start of a pass, treated as immutable while the pass runs, and
// discarded afterwards. Nothing here owns a connection or mutates state.
package models

import (
	"math"
	"time"
)

// AssetClass identifies the bucket a holding is counted against when
// comparing the portfolio to its allocation targets.
type AssetClass string

const (
	// AssetClassCrypto covers coin pairs quoted in a fiat currency (BTCUSD, ETHUSD).
	AssetClassCrypto AssetClass = "crypto"
	// AssetClassStock covers plain equity tickers.
	AssetClassStock AssetClass = "stock"
	// AssetClassOption covers OCC-style option contracts.
	AssetClassOption AssetClass = "option"
	// AssetClassCash is the uninvested remainder of the account.
	AssetClassCash AssetClass = "cash"
)

// Valid returns true if the AssetClass is one of the defined constants.
func (c AssetClass) Valid() bool {
	switch c {
	case AssetClassCrypto, AssetClassStock, AssetClassOption, AssetClassCash:
		return true
	default:
		return false
	}
}

// Position is one open holding at the instant the snapshot was taken.
type Position struct {
	Symbol        string     `json:"symbol"`
	Class         AssetClass `json:"class"`
	Quantity      float64    `json:"quantity"` // signed, positive = long
	MarketValue   float64    `json:"market_value"`
	AvgEntryPrice float64    `json:"avg_entry_price"`
	CurrentPrice  float64    `json:"current_price"`
	UnrealizedPnL float64    `json:"unrealized_pnl"`
}

// PnLFraction returns unrealized P&L divided by the absolute market value.
// It is computed on demand rather than stored so it can never drift from
// its inputs. A zero market value yields 0, not a division error.
func (p *Position) PnLFraction() float64 {
	mv := math.Abs(p.MarketValue)
	if mv == 0 {
		return 0
	}
	return p.UnrealizedPnL / mv
}

// PortfolioSnapshot aggregates all positions plus account-level cash and
// total equity at one instant.
type PortfolioSnapshot struct {
	Timestamp      time.Time  `json:"timestamp"`
	Positions      []Position `json:"positions"`
	Cash           float64    `json:"cash"`
	PortfolioValue float64    `json:"portfolio_value"`
	// ParseFailures counts broker fields that failed numeric parsing and
	// were defaulted to zero while building this snapshot.
	ParseFailures int `json:"parse_failures,omitempty"`
}

// ClassValue sums the market value of all positions in the given class.
// Cash is account-level, not a position, so it is answered directly.
func (s *PortfolioSnapshot) ClassValue(class AssetClass) float64 {
	if class == AssetClassCash {
		return s.Cash
	}
	var total float64
	for i := range s.Positions {
		if s.Positions[i].Class == class {
			total += s.Positions[i].MarketValue
		}
	}
	return total
}

// ClassFraction returns the share of portfolio value held in the given
// class. A zero or negative portfolio value yields 0 so callers never
// divide by zero on an empty or busted account.
func (s *PortfolioSnapshot) ClassFraction(class AssetClass) float64 {
	if s.PortfolioValue <= 0 {
		return 0
	}
	return s.ClassValue(class) / s.PortfolioValue
}

// PositionsInClass returns the subset of positions tagged with the class,
// preserving snapshot order.
func (s *PortfolioSnapshot) PositionsInClass(class AssetClass) []Position {
	var out []Position
	for i := range s.Positions {
		if s.Positions[i].Class == class {
			out = append(out, s.Positions[i])
		}
	}
	return out
}
