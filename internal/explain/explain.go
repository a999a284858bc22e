// Package explain implements agent F: deterministic, template-based
// explanation of each final assignment. Every assignment gets a short text
// for the driver and a metric-dense text for the admin console. An optional
// rewriter can polish the driver text; any rewriter failure falls back to
// the template unchanged.
package explain

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/haricheung/fairdispatch/internal/types"
)

// mseUsable is the regressor quality gate: a personalized model only shapes
// the explanation when its MSE is under this.
const mseUsable = 15.0

// Facts is everything the explainer knows about one assignment.
type Facts struct {
	Driver   types.Driver
	Route    types.Route
	Effort   float64
	Rank     int // 1 = highest effort
	TeamSize int

	Report  types.FairnessReport
	Context types.DriverContext

	Verdict       types.LiaisonVerdict
	SwapApplied   bool
	IsRecoveryDay bool
	AdminOverride bool

	ModelVersion  int     // 0 when no personalized model
	ModelMSE      float64 // meaningful only with ModelVersion > 0
	EVOverheadPts float64

	PhysicalPct    float64
	ComplexityPct  float64
	TimePct        float64
	HasComposition bool
}

// Explainer is agent F. Rewriter is optional.
type Explainer struct {
	Rewriter           types.Rewriter
	ComplexityDebtHard float64
}

// New creates an Explainer; rw may be nil.
func New(rw types.Rewriter, debtHard float64) *Explainer {
	return &Explainer{Rewriter: rw, ComplexityDebtHard: debtHard}
}

// Explain renders one assignment's category and both texts.
//
// Category priority, first match wins:
//  1. LEARNING_OPTIMIZED when a personalized model is known with MSE < 15
//  2. RECOVERY on a recovery day
//  3. HEAVY_WITH_SWAP when above average and a swap was applied
//  4. HEAVY_NO_SWAP when above average after COUNTER or FORCE_ACCEPT
//  5. HEAVY when above average
//  6. LIGHT_RECOVERY when below average with 2+ recent hard days
//  7. LIGHT when below average
//  8. NEAR_AVG otherwise
//
// Above/below means delta vs team average beyond ±10%.
//
// Expectations:
//   - Driver text never contains effort values, gini, stddev, or percentages
//   - Admin text always contains effort, delta %, rank k/N, and the global
//     fairness triple
//   - Rewriter failure falls back to the templated driver text
func (e *Explainer) Explain(ctx context.Context, f Facts) types.ExplanationPair {
	cat := e.category(f)
	driverText := e.driverText(f, cat)
	adminText := e.adminText(f, cat)

	if e.Rewriter != nil {
		rewritten, err := e.Rewriter.Rewrite(ctx, types.ExplanationContext{
			DriverName:   f.Driver.Name,
			Language:     f.Driver.Language,
			Category:     cat,
			TemplateText: driverText,
			RouteSummary: routeSummary(f.Route),
		})
		if err != nil {
			log.Printf("[EXPLAIN] rewrite failed for %s, keeping template: %v", f.Driver.ID, err)
		} else if strings.TrimSpace(rewritten) != "" {
			driverText = strings.TrimSpace(rewritten)
		}
	}

	return types.ExplanationPair{
		DriverID:   f.Driver.ID,
		Category:   cat,
		DriverText: driverText,
		AdminText:  adminText,
	}
}

// ExplainAll renders every assignment and returns the pairs in input order.
func (e *Explainer) ExplainAll(ctx context.Context, facts []Facts) []types.ExplanationPair {
	out := make([]types.ExplanationPair, len(facts))
	for i, f := range facts {
		out[i] = e.Explain(ctx, f)
	}
	log.Printf("[EXPLAIN] generated %d explanations", len(out))
	return out
}

func (e *Explainer) category(f Facts) types.Category {
	delta := deltaPct(f.Effort, f.Report.AvgEffort)
	above := delta > 10
	below := delta < -10

	switch {
	case f.ModelVersion > 0 && f.ModelMSE < mseUsable:
		return types.CatLearningOptimized
	case f.IsRecoveryDay:
		return types.CatRecovery
	case above && f.SwapApplied:
		return types.CatHeavyWithSwap
	case above && (f.Verdict == types.LiaisonCounter || f.Verdict == types.LiaisonForceAccept):
		return types.CatHeavyNoSwap
	case above:
		return types.CatHeavy
	case below && f.Context.HardDays7 >= 2:
		return types.CatLightRecovery
	case below:
		return types.CatLight
	default:
		return types.CatNearAvg
	}
}

// driverText keeps to route facts a driver cares about. No scores, no team
// statistics.
func (e *Explainer) driverText(f Facts, cat types.Category) string {
	r := f.Route
	route := fmt.Sprintf("%d packages (%.1f kg) across %d stops, about %.0f minutes",
		r.PackageCount, r.TotalWeightKg, r.StopCount, r.EstMinutes)

	switch cat {
	case types.CatLearningOptimized:
		return fmt.Sprintf("Today's route was matched to your usual working pattern: %s.", route)
	case types.CatRecovery:
		return fmt.Sprintf("After a demanding stretch we planned you a lighter day: %s. Take it easier today.", route)
	case types.CatHeavyWithSwap:
		return fmt.Sprintf("Your original route was swapped for a lighter one after your request: %s.", route)
	case types.CatHeavyNoSwap:
		return fmt.Sprintf("Today's route is on the heavier side and no lighter alternative was available: %s. This is noted for the coming days.", route)
	case types.CatHeavy:
		return fmt.Sprintf("Today's route is a bit heavier than usual: %s. Thanks for carrying it.", route)
	case types.CatLightRecovery:
		return fmt.Sprintf("You had several hard days recently, so today is lighter: %s.", route)
	case types.CatLight:
		return fmt.Sprintf("Today's route is on the lighter side: %s.", route)
	default:
		return fmt.Sprintf("Today's route is a typical day: %s.", route)
	}
}

// adminText is the audit-grade rendering with every known metric.
func (e *Explainer) adminText(f Facts, cat types.Category) string {
	delta := deltaPct(f.Effort, f.Report.AvgEffort)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: effort %.2f (%+.1f%% vs avg %.2f), rank %d/%d.",
		cat, f.Effort, delta, f.Report.AvgEffort, f.Rank, f.TeamSize)
	fmt.Fprintf(&b, " Route: %s.", routeSummary(f.Route))
	if f.HasComposition {
		fmt.Fprintf(&b, " Composition: physical %.0f%%, complexity %.0f%%, time %.0f%%.",
			f.PhysicalPct, f.ComplexityPct, f.TimePct)
	}
	fmt.Fprintf(&b, " Team fairness: gini %.4f, std %.2f, max gap %.2f.",
		f.Report.Gini, f.Report.StdDev, f.Report.MaxGap)

	if f.IsRecoveryDay {
		fmt.Fprintf(&b, " Recovery day with %d hard days.", f.Context.HardDays7)
	}
	if f.SwapApplied {
		b.WriteString(" Swap applied.")
	}
	if !f.SwapApplied && (f.Verdict == types.LiaisonCounter || f.Verdict == types.LiaisonForceAccept) {
		b.WriteString(" Counter without swap, flagged.")
	}
	if f.AdminOverride {
		b.WriteString(" Manual admin override.")
	}
	if f.EVOverheadPts > 0 {
		fmt.Fprintf(&b, " EV overhead %.2f points.", f.EVOverheadPts)
	}
	if f.Context.ComplexityDebt > 0 {
		fmt.Fprintf(&b, " Complexity debt %.1f (threshold %.1f).", f.Context.ComplexityDebt, e.ComplexityDebtHard)
	}
	if f.ModelVersion > 0 {
		fmt.Fprintf(&b, " Personalized model v%d (MSE %.2f).", f.ModelVersion, f.ModelMSE)
	}
	return b.String()
}

// deltaPct is the percent deviation from the team average; 0 when the average
// is 0.
func deltaPct(effort, avg float64) float64 {
	if avg == 0 {
		return 0
	}
	return math.Round((effort-avg)/avg*1000) / 10
}

func routeSummary(r types.Route) string {
	s := fmt.Sprintf("%d packages, %.1f kg, %d stops, est %.0f min",
		r.PackageCount, r.TotalWeightKg, r.StopCount, r.EstMinutes)
	if r.HasDistance {
		s += fmt.Sprintf(", %.1f km", r.DistanceKm)
	}
	return s
}
