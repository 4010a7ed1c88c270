package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/paperdesk/rebalancer/internal/executor"
	"github.com/paperdesk/rebalancer/internal/planner"
	"github.com/paperdesk/rebalancer/internal/policy"
	"github.com/paperdesk/rebalancer/internal/report"
	"github.com/paperdesk/rebalancer/internal/snapshot"
)

// Pipeline runs one full decision pass: read snapshot, find violations,
// classify exits, build the plan, execute it, and persist the report.
type Pipeline struct {
	reader     *snapshot.Reader
	allocation *policy.AllocationPolicy
	classifier *policy.ExitClassifier
	planner    *planner.Planner
	executor   *executor.Executor
	store      report.Store
	logger     *log.Logger
	dryRun     bool
}

// RunPass executes one pass. A snapshot failure is fatal for the pass and
// surfaced to the caller; no decisions are made on partial data.
func (p *Pipeline) RunPass(ctx context.Context) error {
	start := time.Now()
	p.logger.Println("Starting decision pass...")

	snap, err := p.reader.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	p.logger.Printf("Snapshot: $%.2f portfolio value, $%.2f cash, %d position(s), %d parse failure(s)",
		snap.PortfolioValue, snap.Cash, len(snap.Positions), snap.ParseFailures)

	violations := p.allocation.Violations(snap)
	for i := range violations {
		v := &violations[i]
		p.logger.Printf("Violation [%s]: %s at %.1f%% vs target %.1f%% (excess %.1f%%)",
			v.Severity, v.Class, v.CurrentFraction*100, v.TargetFraction*100, v.ExcessFraction*100)
	}

	signals := p.classifier.ClassifyAll(snap)
	for i := range signals {
		sig := &signals[i]
		p.logger.Printf("Exit signal: %s %s (%s)", sig.Symbol, sig.Reason, sig.Rule)
	}

	plan := p.planner.BuildPlan(snap, violations, signals)
	p.logger.Printf("Plan: %d instruction(s)", len(plan.Instructions))
	for i := range plan.Instructions {
		inst := &plan.Instructions[i]
		p.logger.Printf("  [%s] %s %s ~$%.2f: %s",
			inst.Tier, inst.Side, inst.Symbol, inst.NotionalValue, inst.Rationale)
	}

	results := p.executor.Execute(ctx, plan, p.dryRun)

	passReport := &report.PassReport{
		ID:         uuid.New().String(),
		Timestamp:  start.UTC(),
		DryRun:     p.dryRun,
		Snapshot:   report.Summarize(snap),
		Violations: violations,
		Signals:    signals,
		Results:    results,
	}
	if err := p.store.AppendReport(passReport); err != nil {
		p.logger.Printf("Warning: failed to persist pass report: %v", err)
	}

	for i := range results {
		if results[i].AtRisk {
			p.logger.Printf("ALERT: %s stop-loss did not execute, position at uncontrolled risk",
				results[i].Instruction.Symbol)
		}
	}

	p.logger.Printf("Decision pass complete in %s", time.Since(start).Round(time.Millisecond))
	return nil
}
