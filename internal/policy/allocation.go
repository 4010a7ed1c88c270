// Package policy evaluates a portfolio snapshot against allocation targets
// and per-class exit thresholds. Both evaluators are pure: same snapshot in,
// same decisions out, with the numeric inputs recorded on every decision.
package policy

import (
	"sort"

	"github.com/paperdesk/rebalancer/internal/models"
)

// AllocationPolicy holds target fractions per asset class and the band
// around them that counts as a violation.
type AllocationPolicy struct {
	// Targets maps each governed asset class to its target fraction.
	Targets map[models.AssetClass]float64
	// ViolationMultiplier flags a class once current > target * multiplier.
	// The legacy default of 1.5 (50% over target) is preserved.
	ViolationMultiplier float64
	// CriticalExcess grades a violation CRITICAL once the excess fraction
	// exceeds this value.
	CriticalExcess float64
}

// NewAllocationPolicy builds a policy, applying the documented defaults for
// unset knobs.
func NewAllocationPolicy(targets map[models.AssetClass]float64, multiplier, criticalExcess float64) *AllocationPolicy {
	if multiplier < 1.0 {
		multiplier = 1.5
	}
	if criticalExcess <= 0 {
		criticalExcess = 0.2
	}
	return &AllocationPolicy{
		Targets:             targets,
		ViolationMultiplier: multiplier,
		CriticalExcess:      criticalExcess,
	}
}

// MaxFraction returns the ceiling a class may occupy before it counts as
// over-allocated, and whether the class is governed at all.
func (p *AllocationPolicy) MaxFraction(class models.AssetClass) (float64, bool) {
	target, ok := p.Targets[class]
	if !ok {
		return 0, false
	}
	return target * p.ViolationMultiplier, true
}

// Violations scans the snapshot against every targeted class and returns
// the breaches.
//
// The source scripts had no defined ordering; here violations are sorted
// CRITICAL before HIGH and by excess descending within a severity, so the
// output is deterministic across passes. A zero or negative portfolio value
// yields no violations rather than a division by zero.
func (p *AllocationPolicy) Violations(snap *models.PortfolioSnapshot) []models.AllocationViolation {
	if snap == nil || snap.PortfolioValue <= 0 {
		return nil
	}

	var violations []models.AllocationViolation
	for _, class := range p.orderedClasses() {
		target := p.Targets[class]
		current := snap.ClassFraction(class)
		if current <= target*p.ViolationMultiplier {
			continue
		}
		excess := current - target
		severity := models.SeverityHigh
		if excess > p.CriticalExcess {
			severity = models.SeverityCritical
		}
		violations = append(violations, models.AllocationViolation{
			Class:           class,
			CurrentFraction: current,
			TargetFraction:  target,
			ExcessFraction:  excess,
			Severity:        severity,
		})
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Severity != violations[j].Severity {
			return violations[i].Severity == models.SeverityCritical
		}
		return violations[i].ExcessFraction > violations[j].ExcessFraction
	})
	return violations
}

// Deficits returns the under-allocated classes as positive dollar amounts,
// in the same deterministic class order the violation scan uses. Only
// classes below target qualify; the tolerance band only applies on the way
// up.
func (p *AllocationPolicy) Deficits(snap *models.PortfolioSnapshot) map[models.AssetClass]float64 {
	if snap == nil || snap.PortfolioValue <= 0 {
		return nil
	}
	deficits := make(map[models.AssetClass]float64)
	for class, target := range p.Targets {
		if class == models.AssetClassCash {
			continue // cash fills itself as other classes are reduced
		}
		current := snap.ClassFraction(class)
		if current < target {
			deficits[class] = (target - current) * snap.PortfolioValue
		}
	}
	return deficits
}

func (p *AllocationPolicy) orderedClasses() []models.AssetClass {
	classes := make([]models.AssetClass, 0, len(p.Targets))
	for class := range p.Targets {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}
