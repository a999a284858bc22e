// Package fairness implements agent C: it scores a proposal's effort
// distribution and decides ACCEPT or REOPTIMIZE. On REOPTIMIZE it names the
// high-effort drivers and the penalty factor the planner uses for proposal 2.
package fairness

import (
	"log"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Evaluator is agent C. Thresholds come from the active fairness config.
type Evaluator struct {
	Cfg config.Fairness
}

// New creates an Evaluator with the given thresholds.
func New(cfg config.Fairness) *Evaluator {
	return &Evaluator{Cfg: cfg}
}

// Evaluate scores one proposal.
//
// Status is ACCEPT iff gini <= gini_th AND std <= std_th AND
// max_gap <= max_gap_th. On REOPTIMIZE, high-effort drivers are those above
// avg + 1·std (15% of avg when std is 0) and the penalty factor is
// clamp(1 + 0.5·(gini/gini_th − 1), 1.2, 2.0) rounded to 2 decimals.
//
// Expectations:
//   - std_dev is the sample stddev for n>1 and 0 for n<=1
//   - gini is clamped to [0,1] and rounded to 4 decimals; 0 when mean=0 or n<=1
//   - outlier_count counts efforts above avg + 2·std
//   - pct_above_avg is the percent share of drivers above avg
//   - Recommendations are present iff status is REOPTIMIZE
func (ev *Evaluator) Evaluate(prop types.AssignmentProposal) types.FairnessReport {
	efforts := make([]float64, len(prop.Pairs))
	for i, p := range prop.Pairs {
		efforts[i] = p.Effort
	}
	r := Metrics(efforts)

	cfg := ev.Cfg
	if r.Gini <= cfg.GiniThreshold && r.StdDev <= cfg.StdDevThreshold && r.MaxGap <= cfg.MaxGapThreshold {
		r.Status = types.FairnessAccept
	} else {
		r.Status = types.FairnessReoptimize
		r.Recommendations = ev.recommend(prop, r)
	}

	log.Printf("[FAIRNESS] proposal %d: %s gini=%.4f std=%.2f gap=%.2f",
		prop.Number, r.Status, r.Gini, r.StdDev, r.MaxGap)
	return r
}

// Metrics computes the report's numeric fields from a per-driver effort list.
// Shared with the final resolver, which re-evaluates metrics per tentative
// swap, and with the controller's final recomputation.
func Metrics(efforts []float64) types.FairnessReport {
	var r types.FairnessReport
	n := len(efforts)
	if n == 0 {
		return r
	}

	r.AvgEffort = stat.Mean(efforts, nil)
	if n > 1 {
		r.StdDev = stat.StdDev(efforts, nil) // sample stddev
	}
	r.Min, r.Max = math.Inf(1), math.Inf(-1)
	for _, e := range efforts {
		if e < r.Min {
			r.Min = e
		}
		if e > r.Max {
			r.Max = e
		}
	}
	r.MaxGap = r.Max - r.Min
	r.Gini = Gini(efforts)

	above := 0
	outliers := 0
	for _, e := range efforts {
		if e > r.AvgEffort {
			above++
		}
		if e > r.AvgEffort+2*r.StdDev {
			outliers++
		}
	}
	r.OutlierCount = outliers
	r.PctAboveAvg = math.Round(float64(above)/float64(n)*10000) / 100
	return r
}

// Gini computes Σ|xᵢ−xⱼ| / (2·n²·mean), clamped to [0,1], rounded to 4
// decimals. Returns 0 when mean is 0 or n <= 1.
//
// Expectations:
//   - 0 for an empty or single-element list
//   - 0 when all values are equal
//   - 0 when the mean is 0
//   - Always within [0, 1]
func Gini(xs []float64) float64 {
	n := len(xs)
	if n <= 1 {
		return 0
	}
	mean := stat.Mean(xs, nil)
	if mean == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sum += math.Abs(xs[i] - xs[j])
		}
	}
	g := sum / (2 * float64(n) * float64(n) * mean)
	g = math.Max(0, math.Min(1, g))
	return math.Round(g*10000) / 10000
}

func (ev *Evaluator) recommend(prop types.AssignmentProposal, r types.FairnessReport) *types.Recommendations {
	threshold := r.AvgEffort + r.StdDev
	if r.StdDev == 0 {
		threshold = r.AvgEffort * 1.15
	}
	var ids []string
	for _, p := range prop.Pairs {
		if p.Effort > threshold {
			ids = append(ids, p.DriverID)
		}
	}

	factor := 1 + 0.5*(r.Gini/ev.Cfg.GiniThreshold-1)
	factor = math.Max(1.2, math.Min(2.0, factor))
	factor = math.Round(factor*100) / 100

	return &types.Recommendations{
		IDsToPenalize: ids,
		PenaltyFactor: factor,
		TargetMaxGap:  ev.Cfg.MaxGapThreshold,
	}
}

// KeepSecond decides which proposal is final after a re-optimization round:
// proposal 2 wins iff its gini does not worsen or its max gap strictly
// improves.
func KeepSecond(r1, r2 types.FairnessReport) bool {
	return r2.Gini <= r1.Gini || r2.MaxGap < r1.MaxGap
}
