// Package liaison implements agent D: each driver's ACCEPT / COUNTER /
// FORCE_ACCEPT verdict on its proposed assignment. The liaison negotiates on
// behalf of the driver from its recent history; it never mutates the
// proposal, it only emits decisions for the final resolver to honor.
package liaison

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/haricheung/fairdispatch/internal/effort"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Liaison is agent D.
type Liaison struct{}

// New creates a Liaison.
func New() *Liaison {
	return &Liaison{}
}

// alternative is one candidate route for a counter, with the driver's own
// effort for it.
type alternative struct {
	routeID string
	effort  float64
}

// Negotiate produces one decision per assigned driver, in proposal order.
//
// The comfort ceiling per driver is recent_avg + max(global_std, recent_std),
// lowered by 0.3·global_std after 3+ recent hard days and by 0.2·global_std
// at fatigue >= 4, floored at 0.7·recent_avg. Below the ceiling the driver
// accepts. Otherwise the first alternative at least 10% lighter wins a
// COUNTER, unless the driver ranks in the team's top 2 by effort and the
// alternative falls under half the global average. No alternative means
// FORCE_ACCEPT.
//
// Expectations:
//   - Decisions come back in proposal pair order
//   - A driver with no recent stats accepts when at or below global average
//   - rank_in_team is 1 for the highest effort; ties break by driver id
//   - COUNTER carries the chosen alternative's route id
func (l *Liaison) Negotiate(m *effort.Matrix, prop types.AssignmentProposal, contexts map[string]types.DriverContext, report types.FairnessReport) []types.LiaisonDecision {
	ranks := rankByEffort(prop.Pairs)

	decisions := make([]types.LiaisonDecision, 0, len(prop.Pairs))
	for _, pair := range prop.Pairs {
		dc := contexts[pair.DriverID] // zero value when absent
		d := l.decide(m, pair, dc, report, ranks[pair.DriverID])
		decisions = append(decisions, d)
	}

	accepts, counters, forced := 0, 0, 0
	for _, d := range decisions {
		switch d.Verdict {
		case types.LiaisonAccept:
			accepts++
		case types.LiaisonCounter:
			counters++
		default:
			forced++
		}
	}
	log.Printf("[LIAISON] round complete: %d accept, %d counter, %d forced", accepts, counters, forced)
	return decisions
}

func (l *Liaison) decide(m *effort.Matrix, pair types.ProposalPair, dc types.DriverContext, report types.FairnessReport, rank int) types.LiaisonDecision {
	recentAvg := dc.RecentAvgEffort
	if recentAvg == 0 {
		// No history: treat the team average as the driver's baseline.
		recentAvg = report.AvgEffort
	}

	upper := recentAvg + math.Max(report.StdDev, dc.RecentStd)
	if dc.HardDays7 >= 3 {
		upper -= 0.3 * report.StdDev
	}
	if dc.Fatigue >= 4 {
		upper -= 0.2 * report.StdDev
	}
	upper = math.Max(upper, 0.7*recentAvg)

	if pair.Effort <= upper {
		return types.LiaisonDecision{
			DriverID: pair.DriverID,
			Verdict:  types.LiaisonAccept,
			Reason:   fmt.Sprintf("assigned effort %.2f within comfort ceiling %.2f", pair.Effort, upper),
		}
	}

	for _, alt := range l.alternatives(m, pair) {
		if alt.effort > 0.9*pair.Effort {
			break // sorted ascending; nothing lighter remains
		}
		if rank <= 2 && alt.effort < 0.5*report.AvgEffort {
			continue // a top-ranked driver does not get an extremely easy route
		}
		return types.LiaisonDecision{
			DriverID:       pair.DriverID,
			Verdict:        types.LiaisonCounter,
			PreferredRoute: alt.routeID,
			Reason: fmt.Sprintf("assigned %.2f above ceiling %.2f; prefers route %s at %.2f",
				pair.Effort, upper, alt.routeID, alt.effort),
		}
	}

	return types.LiaisonDecision{
		DriverID: pair.DriverID,
		Verdict:  types.LiaisonForceAccept,
		Reason:   fmt.Sprintf("assigned %.2f above ceiling %.2f with no viable alternative", pair.Effort, upper),
	}
}

// alternatives lists this driver's feasible routes other than the assigned
// one, sorted by effort ascending (route id breaks ties).
func (l *Liaison) alternatives(m *effort.Matrix, pair types.ProposalPair) []alternative {
	i := m.DriverIndex(pair.DriverID)
	if i < 0 {
		return nil
	}
	var alts []alternative
	for j, routeID := range m.RouteIDs {
		if routeID == pair.RouteID || m.IsInfeasible(i, j) {
			continue
		}
		alts = append(alts, alternative{routeID: routeID, effort: m.At(i, j)})
	}
	sort.Slice(alts, func(a, b int) bool {
		if alts[a].effort != alts[b].effort {
			return alts[a].effort < alts[b].effort
		}
		return alts[a].routeID < alts[b].routeID
	})
	return alts
}

// rankByEffort ranks drivers 1..N by assigned effort descending; ties break
// by driver id ordering.
func rankByEffort(pairs []types.ProposalPair) map[string]int {
	sorted := make([]types.ProposalPair, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Effort != sorted[b].Effort {
			return sorted[a].Effort > sorted[b].Effort
		}
		return sorted[a].DriverID < sorted[b].DriverID
	})
	ranks := make(map[string]int, len(sorted))
	for i, p := range sorted {
		ranks[p.DriverID] = i + 1
	}
	return ranks
}
