// Package resolver implements agent E: it honors COUNTER decisions from the
// liaison round through constrained 1-for-1 route swaps. The search is greedy
// over the counters in input order and never backtracks.
package resolver

import (
	"log"

	"github.com/haricheung/fairdispatch/internal/effort"
	"github.com/haricheung/fairdispatch/internal/fairness"
	"github.com/haricheung/fairdispatch/internal/types"
)

// tolerance is the relative slack allowed on each metric when no metric
// strictly improves.
const tolerance = 0.02

// Result is the resolver's output: the post-swap assignment pairs in the
// original proposal order, freshly recomputed metrics, the applied swaps in
// order, and the drivers whose counters could not be honored.
type Result struct {
	Pairs       []types.ProposalPair
	Report      types.FairnessReport
	Swaps       []types.SwapRecord
	Unfulfilled []string
}

// Resolver is agent E.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve walks the COUNTER decisions in input order. For each, the counter
// driver A trades routes with the driver B currently holding A's preferred
// route. The tentative swap is kept iff
//
//   - at least one of {gini, std, max_gap} strictly improves, or all three
//     stay within tolerance (2% relative, plus 0.5 absolute on std and gap),
//     and
//   - B's new effort is bounded by the load A sheds: e_b' <= 1.30·e_a + 5.0,
//     so no swap hands the partner more than ~30% above the countered load.
//
// Expectations:
//   - Counters naming the counter driver's own route, an unassigned route,
//     or a pair missing from the matrix are skipped as unfulfilled
//   - Committed swaps update the working efforts seen by later counters
//   - Pairs come back in the proposal's original order with swapped routes
//   - Report matches a fresh metric computation over the returned pairs
func (rv *Resolver) Resolve(m *effort.Matrix, prop types.AssignmentProposal, decisions []types.LiaisonDecision, report types.FairnessReport) Result {
	pairs := make([]types.ProposalPair, len(prop.Pairs))
	copy(pairs, prop.Pairs)

	pairByDriver := make(map[string]int, len(pairs)) // driver id -> index in pairs
	pairByRoute := make(map[string]int, len(pairs))  // route id -> index in pairs
	for i, p := range pairs {
		pairByDriver[p.DriverID] = i
		pairByRoute[p.RouteID] = i
	}

	res := Result{Report: report}
	for _, d := range decisions {
		if d.Verdict != types.LiaisonCounter {
			continue
		}
		ai, ok := pairByDriver[d.DriverID]
		if !ok {
			res.Unfulfilled = append(res.Unfulfilled, d.DriverID)
			continue
		}
		bi, ok := pairByRoute[d.PreferredRoute]
		if !ok || bi == ai {
			res.Unfulfilled = append(res.Unfulfilled, d.DriverID)
			continue
		}
		a, b := pairs[ai], pairs[bi]

		ar := m.DriverIndex(a.DriverID)
		br := m.DriverIndex(b.DriverID)
		ac := m.RouteIndex(a.RouteID)
		bc := m.RouteIndex(b.RouteID)
		if ar < 0 || br < 0 || ac < 0 || bc < 0 || m.IsInfeasible(ar, bc) || m.IsInfeasible(br, ac) {
			res.Unfulfilled = append(res.Unfulfilled, d.DriverID)
			continue
		}
		eaNew := m.At(ar, bc)
		ebNew := m.At(br, ac)

		if ebNew > 1.30*a.Effort+5.0 {
			res.Unfulfilled = append(res.Unfulfilled, d.DriverID)
			continue
		}

		tentative := effortsWithSwap(pairs, ai, bi, eaNew, ebNew)
		next := fairness.Metrics(tentative)
		if !acceptable(res.Report, next) {
			res.Unfulfilled = append(res.Unfulfilled, d.DriverID)
			continue
		}

		res.Swaps = append(res.Swaps, types.SwapRecord{
			DriverA:       a.DriverID,
			DriverB:       b.DriverID,
			RouteA:        a.RouteID,
			RouteB:        b.RouteID,
			EffortABefore: a.Effort,
			EffortAAfter:  eaNew,
			EffortBBefore: b.Effort,
			EffortBAfter:  ebNew,
		})

		pairs[ai].RouteID, pairs[bi].RouteID = b.RouteID, a.RouteID
		pairs[ai].Effort, pairs[bi].Effort = eaNew, ebNew
		pairByRoute[pairs[ai].RouteID] = ai
		pairByRoute[pairs[bi].RouteID] = bi
		res.Report = next

		log.Printf("[RESOLVER] swap %s<->%s: %s %.2f->%.2f, %s %.2f->%.2f",
			a.RouteID, b.RouteID, a.DriverID, a.Effort, eaNew, b.DriverID, b.Effort, ebNew)
	}

	res.Pairs = pairs
	res.Report = fairness.Metrics(effortsOf(pairs))
	res.Report.Status = report.Status
	log.Printf("[RESOLVER] applied %d swaps, %d counters unfulfilled", len(res.Swaps), len(res.Unfulfilled))
	return res
}

// acceptable is the swap's fairness gate: one metric strictly improves, or
// all three stay within tolerance of the current values.
func acceptable(cur, next types.FairnessReport) bool {
	if next.Gini < cur.Gini || next.StdDev < cur.StdDev || next.MaxGap < cur.MaxGap {
		return true
	}
	return next.Gini <= cur.Gini*(1+tolerance) &&
		next.StdDev <= cur.StdDev*(1+tolerance)+0.5 &&
		next.MaxGap <= cur.MaxGap*(1+tolerance)+0.5
}

func effortsWithSwap(pairs []types.ProposalPair, ai, bi int, ea, eb float64) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = p.Effort
	}
	out[ai], out[bi] = ea, eb
	return out
}

func effortsOf(pairs []types.ProposalPair) []float64 {
	out := make([]float64, len(pairs))
	for i, p := range pairs {
		out[i] = p.Effort
	}
	return out
}
