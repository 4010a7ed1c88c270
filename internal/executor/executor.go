// Package executor submits a rebalance plan to the broker, one instruction
// at a time, in plan order. It is the only component that turns decisions
// into orders.
package executor

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/paperdesk/rebalancer/internal/broker"
	"github.com/paperdesk/rebalancer/internal/models"
	"github.com/paperdesk/rebalancer/internal/report"
	"github.com/paperdesk/rebalancer/internal/retry"
)

// Config controls execution behavior.
type Config struct {
	// OrderDelay is the pause between sequential submissions so the pass
	// stays under broker rate limits.
	OrderDelay time.Duration
	// EquityMarketHoursOnly skips stock and option instructions while the
	// equity market is closed. Crypto trades around the clock.
	EquityMarketHoursOnly bool
}

// Executor runs plans against the broker. A failure on one instruction
// never aborts the batch; every outcome is recorded.
type Executor struct {
	broker      broker.Broker
	retryClient *retry.Client
	logger      *log.Logger
	config      Config
}

// New creates an executor.
func New(b broker.Broker, retryClient *retry.Client, logger *log.Logger, config Config) *Executor {
	if b == nil {
		panic("executor.New: broker must not be nil")
	}
	if retryClient == nil {
		panic("executor.New: retry client must not be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "executor: ", log.LstdFlags)
	}
	if config.OrderDelay <= 0 {
		config.OrderDelay = 2 * time.Second
	}
	return &Executor{
		broker:      b,
		retryClient: retryClient,
		logger:      logger,
		config:      config,
	}
}

// Execute submits every instruction in plan order and returns one result
// per instruction. With dryRun set, instructions are recorded as planned
// and nothing is submitted.
func (e *Executor) Execute(ctx context.Context, plan *models.RebalancePlan, dryRun bool) []report.InstructionResult {
	if plan == nil || len(plan.Instructions) == 0 {
		return nil
	}

	results := make([]report.InstructionResult, 0, len(plan.Instructions))

	equityMarketOpen := true
	if e.config.EquityMarketHoursOnly && !dryRun {
		equityMarketOpen = e.isEquityMarketOpen(ctx)
	}

	for i := range plan.Instructions {
		inst := plan.Instructions[i]

		if dryRun {
			results = append(results, report.InstructionResult{
				Instruction: inst,
				Status:      report.StatusPlanned,
			})
			continue
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				e.logger.Printf("Execution canceled with %d instruction(s) remaining",
					len(plan.Instructions)-i)
				results = append(results, report.InstructionResult{
					Instruction: inst,
					Status:      report.StatusSkipped,
					Error:       ctx.Err().Error(),
					AtRisk:      inst.SourceReason.IsStopLoss(),
				})
				continue
			case <-time.After(e.config.OrderDelay):
			}
		}

		results = append(results, e.executeOne(ctx, inst, equityMarketOpen))
	}

	return results
}

func (e *Executor) executeOne(ctx context.Context, inst models.TradeInstruction,
	equityMarketOpen bool) report.InstructionResult {

	result := report.InstructionResult{Instruction: inst}

	if e.config.EquityMarketHoursOnly && inst.Class != models.AssetClassCrypto && !equityMarketOpen {
		e.logger.Printf("Skipping %s %s [%s]: equity market closed", inst.Side, inst.Symbol, inst.Tier)
		result.Status = report.StatusSkipped
		result.Error = "equity market closed"
		result.AtRisk = inst.SourceReason.IsStopLoss()
		if result.AtRisk {
			e.logger.Printf("ALERT: stop-loss exit for %s could not run (market closed); position remains at risk",
				inst.Symbol)
		}
		return result
	}

	req, err := e.buildRequest(ctx, inst)
	if err != nil {
		result.Status = report.StatusFailed
		result.Error = err.Error()
		e.flagFailure(&result, inst, err)
		return result
	}
	if req == nil {
		// Resolved to a zero-size order; never submit those.
		e.logger.Printf("Skipping %s %s: resolved quantity is zero", inst.Side, inst.Symbol)
		result.Status = report.StatusSkipped
		result.Error = "resolved quantity is zero"
		return result
	}

	order, err := e.retryClient.SubmitOrderWithRetry(ctx, *req)
	if err != nil {
		result.Status = report.StatusFailed
		result.Error = err.Error()
		e.flagFailure(&result, inst, err)
		return result
	}

	result.Status = report.StatusSubmitted
	result.OrderID = order.ID
	e.logger.Printf("Submitted %s %s [%s]: order %s", inst.Side, inst.Symbol, inst.Tier, order.ID)
	return result
}

// buildRequest turns an instruction into an order request. Dollar-sized
// buys are resolved against the live ask at this moment; a floored
// quantity of zero returns (nil, nil) and the instruction is skipped.
func (e *Executor) buildRequest(ctx context.Context, inst models.TradeInstruction) (*broker.OrderRequest, error) {
	req := &broker.OrderRequest{
		Symbol:        inst.Symbol,
		Side:          inst.Side,
		TimeInForce:   "day",
		ClientOrderID: inst.ID,
	}
	if inst.Class == models.AssetClassCrypto {
		req.TimeInForce = "gtc"
	}

	if inst.Quantity != nil {
		if *inst.Quantity <= 0 {
			return nil, nil
		}
		req.Qty = *inst.Quantity
		return req, nil
	}

	if inst.Side != models.TradeSideBuy {
		return nil, fmt.Errorf("sell instruction for %s has no quantity", inst.Symbol)
	}

	quote, err := e.broker.GetQuote(ctx, inst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", inst.Symbol, err)
	}
	if quote.AskPrice <= 0 {
		return nil, fmt.Errorf("no usable ask price for %s", inst.Symbol)
	}

	if inst.Class == models.AssetClassCrypto {
		// Coins trade fractionally; flooring to whole units would turn
		// most crypto buys into zero-size orders.
		qty := inst.NotionalValue / quote.AskPrice
		if qty <= 0 {
			return nil, nil
		}
		req.Qty = math.Floor(qty*1e6) / 1e6
		if req.Qty <= 0 {
			return nil, nil
		}
		return req, nil
	}

	qty := math.Floor(inst.NotionalValue / quote.AskPrice)
	if qty <= 0 {
		return nil, nil
	}
	req.Qty = qty
	return req, nil
}

func (e *Executor) flagFailure(result *report.InstructionResult, inst models.TradeInstruction, err error) {
	if inst.SourceReason.IsStopLoss() {
		result.AtRisk = true
		e.logger.Printf("ALERT: stop-loss exit for %s FAILED, position remains at uncontrolled risk: %v",
			inst.Symbol, err)
		return
	}
	e.logger.Printf("Instruction %s %s [%s] failed: %v", inst.Side, inst.Symbol, inst.Tier, err)
}

// isEquityMarketOpen asks the broker clock; on error it assumes open and
// logs, so a clock outage never strands a stop-loss exit.
func (e *Executor) isEquityMarketOpen(ctx context.Context) bool {
	clock, err := e.broker.GetClock(ctx)
	if err != nil {
		e.logger.Printf("Warning: could not get market clock, assuming open: %v", err)
		return true
	}
	return clock.IsOpen
}
