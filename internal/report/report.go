// Package report persists one structured decision record per pass so every
// violation, exit decision, and submission outcome can be audited after the
// fact. The store is a side artifact of a pass, never a control input.
package report

import (
	"time"

	"github.com/paperdesk/rebalancer/internal/models"
)

// ExecutionStatus describes what happened to one planned instruction.
type ExecutionStatus string

const (
	// StatusPlanned means the instruction was produced but never submitted (dry run or gate).
	StatusPlanned ExecutionStatus = "planned"
	// StatusSubmitted means the broker accepted the order.
	StatusSubmitted ExecutionStatus = "submitted"
	// StatusFailed means submission was attempted and failed.
	StatusFailed ExecutionStatus = "failed"
	// StatusSkipped means the instruction was dropped at execution time (zero quantity, market closed).
	StatusSkipped ExecutionStatus = "skipped"
)

// InstructionResult pairs a planned instruction with its execution outcome.
type InstructionResult struct {
	Instruction models.TradeInstruction `json:"instruction"`
	Status      ExecutionStatus         `json:"status"`
	OrderID     string                  `json:"order_id,omitempty"`
	Error       string                  `json:"error,omitempty"`
	// AtRisk flags a stop-loss exit that failed to submit: the position
	// remains open at uncontrolled risk and needs operator attention.
	AtRisk bool `json:"at_risk,omitempty"`
}

// SnapshotSummary captures the inputs a pass decided on, compact enough to
// keep for every pass in history.
type SnapshotSummary struct {
	Timestamp      time.Time                     `json:"timestamp"`
	PortfolioValue float64                       `json:"portfolio_value"`
	Cash           float64                       `json:"cash"`
	PositionCount  int                           `json:"position_count"`
	ClassFractions map[models.AssetClass]float64 `json:"class_fractions"`
	ParseFailures  int                           `json:"parse_failures"`
}

// Summarize builds a SnapshotSummary from a full snapshot.
func Summarize(snap *models.PortfolioSnapshot) SnapshotSummary {
	summary := SnapshotSummary{
		Timestamp:      snap.Timestamp,
		PortfolioValue: snap.PortfolioValue,
		Cash:           snap.Cash,
		PositionCount:  len(snap.Positions),
		ClassFractions: make(map[models.AssetClass]float64),
		ParseFailures:  snap.ParseFailures,
	}
	for _, class := range []models.AssetClass{
		models.AssetClassCrypto, models.AssetClassStock,
		models.AssetClassOption, models.AssetClassCash,
	} {
		if fraction := snap.ClassFraction(class); fraction != 0 {
			summary.ClassFractions[class] = fraction
		}
	}
	return summary
}

// PassReport is the complete record of one decision pass.
type PassReport struct {
	ID         string                       `json:"id"`
	Timestamp  time.Time                    `json:"timestamp"`
	DryRun     bool                         `json:"dry_run"`
	Snapshot   SnapshotSummary              `json:"snapshot"`
	Violations []models.AllocationViolation `json:"violations"`
	Signals    []models.ExitSignal          `json:"signals"`
	Results    []InstructionResult          `json:"results"`
}

// Statistics accumulate across passes.
type Statistics struct {
	TotalPasses          int       `json:"total_passes"`
	InstructionsPlanned  int       `json:"instructions_planned"`
	InstructionsExecuted int       `json:"instructions_executed"`
	InstructionsFailed   int       `json:"instructions_failed"`
	ViolationsFound      int       `json:"violations_found"`
	AtRiskExits          int       `json:"at_risk_exits"`
	LastPassAt           time.Time `json:"last_pass_at"`
}
