// Package snapshot builds a normalized portfolio snapshot from the raw
// account and position records the broker returns.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/paperdesk/rebalancer/internal/broker"
	"github.com/paperdesk/rebalancer/internal/models"
	"github.com/shopspring/decimal"
)

// ErrSnapshotUnavailable is returned when the account record cannot be
// fetched at all. No partial snapshot is ever produced in that case.
var ErrSnapshotUnavailable = errors.New("portfolio snapshot unavailable")

// Reader normalizes raw broker records into a PortfolioSnapshot. It is a
// pure transform over the boundary calls; it holds no state between reads.
type Reader struct {
	broker broker.Broker
	logger *log.Logger
}

// NewReader creates a snapshot reader over the given broker.
func NewReader(b broker.Broker, logger *log.Logger) *Reader {
	if b == nil {
		panic("snapshot.NewReader: broker must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "snapshot: ", log.LstdFlags)
	}
	return &Reader{broker: b, logger: logger}
}

// Read fetches the account and positions and builds a snapshot.
//
// A missing or unreadable account is fatal and yields ErrSnapshotUnavailable.
// A numeric field that fails to parse on an individual position is not: the
// field defaults to zero, the failure is counted on the snapshot, and the
// position is still evaluated.
func (r *Reader) Read(ctx context.Context) (*models.PortfolioSnapshot, error) {
	account, err := r.broker.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if account == nil {
		return nil, fmt.Errorf("%w: broker returned no account record", ErrSnapshotUnavailable)
	}

	rawPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	var failures int
	snap := &models.PortfolioSnapshot{
		Timestamp: time.Now().UTC(),
		Positions: make([]models.Position, 0, len(rawPositions)),
	}

	snap.Cash = r.parseField(account.Cash, "account.cash", &failures)
	snap.PortfolioValue = r.parseField(account.PortfolioValue, "account.portfolio_value", &failures)
	if snap.PortfolioValue == 0 {
		// Some responses only populate equity; use it as the fallback total.
		snap.PortfolioValue = r.parseField(account.Equity, "account.equity", &failures)
	}

	for i := range rawPositions {
		raw := &rawPositions[i]
		pos := models.Position{
			Symbol:        raw.Symbol,
			Class:         models.ClassifySymbol(raw.Symbol),
			Quantity:      r.parseField(raw.Qty, raw.Symbol+".qty", &failures),
			MarketValue:   r.parseField(raw.MarketValue, raw.Symbol+".market_value", &failures),
			AvgEntryPrice: r.parseField(raw.AvgEntryPrice, raw.Symbol+".avg_entry_price", &failures),
			CurrentPrice:  r.parseField(raw.CurrentPrice, raw.Symbol+".current_price", &failures),
			UnrealizedPnL: r.parseField(raw.UnrealizedPnL, raw.Symbol+".unrealized_pl", &failures),
		}
		// The broker's own asset_class tag wins over the symbol heuristic
		// when it is present and recognizable.
		if class := brokerAssetClass(raw.AssetClass); class != "" {
			pos.Class = class
		}
		snap.Positions = append(snap.Positions, pos)
	}

	snap.ParseFailures = failures
	if failures > 0 {
		r.logger.Printf("Snapshot built with %d numeric parse failure(s) defaulted to zero", failures)
	}

	return snap, nil
}

// parseField parses a broker-supplied decimal string, defaulting to zero on
// failure and bumping the failure counter. An empty string counts as a
// failure too: the broker omitted a field we expected.
func (r *Reader) parseField(raw, field string, failures *int) float64 {
	if raw == "" {
		*failures++
		return 0
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.logger.Printf("Failed to parse %s value %q, defaulting to 0: %v", field, raw, err)
		*failures++
		return 0
	}
	return d.InexactFloat64()
}

// brokerAssetClass maps Alpaca's asset_class strings onto our enum. Unknown
// values return "" so the symbol heuristic stays in charge.
func brokerAssetClass(raw string) models.AssetClass {
	switch raw {
	case "crypto":
		return models.AssetClassCrypto
	case "us_equity":
		return models.AssetClassStock
	case "us_option":
		return models.AssetClassOption
	default:
		return ""
	}
}
