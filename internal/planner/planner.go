// Package planner implements agent B: it turns the effort matrix into an
// AssignmentProposal by solving the rectangular linear-sum-assignment problem
// under fairness penalties and recovery targets. Three solver backends are
// tried in a fixed order (LP, Hungarian, greedy); a backend failure falls
// through to the next.
package planner

import (
	"fmt"
	"log"
	"math"

	"github.com/haricheung/fairdispatch/internal/effort"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Planner is agent B. Its backend chain is built once at construction.
type Planner struct {
	RecoveryPenaltyWeight float64 // default 3.0
	backends              []backend
}

// New creates a Planner with the default backend chain and recovery weight.
func New() *Planner {
	return &Planner{RecoveryPenaltyWeight: 3.0, backends: newBackends()}
}

// Plan produces proposal number (1 or 2) for the given matrix.
//
// The solver cost for a feasible pair is effort·penalties[d] plus
// max(0, effort − targets[d])·recovery_penalty_weight when a target is set.
// Infeasible pairs keep the 99999 sentinel. The proposal reports the
// original matrix effort, never the penalized cost.
//
// Expectations:
//   - Empty drivers or routes yields an empty proposal with zero effort
//   - Each route appears exactly once; each driver at most once
//   - No selected pair is in the matrix's infeasible set
//   - Backends are tried in order lp, hungarian, greedy; the first success wins
//   - All three failing returns an InfeasibleAssignmentError
func (p *Planner) Plan(m *effort.Matrix, penalties map[string]float64, targets map[string]*float64, number int) (types.AssignmentProposal, error) {
	prop := types.AssignmentProposal{Number: number}
	nd, nr := len(m.DriverIDs), len(m.RouteIDs)
	if nd == 0 || nr == 0 {
		return prop, nil
	}
	if nr > nd {
		return prop, &types.InfeasibleAssignmentError{
			Reason: fmt.Sprintf("%d routes but only %d drivers", nr, nd),
		}
	}

	cost := p.buildCost(m, penalties, targets)

	var colToRow []int
	var lastErr error
	for _, b := range p.backends {
		sol, err := b.solve(cost)
		if err != nil {
			log.Printf("[PLANNER] backend %s failed: %v", b.name(), err)
			lastErr = err
			continue
		}
		if err := validate(m, sol); err != nil {
			log.Printf("[PLANNER] backend %s produced invalid solution: %v", b.name(), err)
			lastErr = err
			continue
		}
		colToRow = sol
		prop.Backend = b.name()
		break
	}
	if colToRow == nil {
		return prop, &types.InfeasibleAssignmentError{
			Reason: fmt.Sprintf("all solver backends failed: %v", lastErr),
		}
	}

	for j, i := range colToRow {
		e := m.At(i, j)
		prop.Pairs = append(prop.Pairs, types.ProposalPair{
			DriverID: m.DriverIDs[i],
			RouteID:  m.RouteIDs[j],
			Effort:   e,
		})
		prop.TotalEffort += e
	}
	prop.TotalEffort = math.Round(prop.TotalEffort*100) / 100

	log.Printf("[PLANNER] proposal %d: %d assignments via %s, total effort %.2f",
		number, len(prop.Pairs), prop.Backend, prop.TotalEffort)
	return prop, nil
}

// PenaltiesFromRecommendations expands a fairness report's recommendations
// into the per-driver multiplier map used to bias proposal 2.
//
// Expectations:
//   - Every id in IDsToPenalize maps to PenaltyFactor
//   - Returns nil for nil recommendations or an empty id list
func PenaltiesFromRecommendations(rec *types.Recommendations) map[string]float64 {
	if rec == nil || len(rec.IDsToPenalize) == 0 {
		return nil
	}
	out := make(map[string]float64, len(rec.IDsToPenalize))
	for _, id := range rec.IDsToPenalize {
		out[id] = rec.PenaltyFactor
	}
	return out
}

func (p *Planner) buildCost(m *effort.Matrix, penalties map[string]float64, targets map[string]*float64) [][]float64 {
	nd, nr := len(m.DriverIDs), len(m.RouteIDs)
	w := p.RecoveryPenaltyWeight
	if w == 0 {
		w = 3.0
	}

	cost := make([][]float64, nd)
	for i := 0; i < nd; i++ {
		cost[i] = make([]float64, nr)
		id := m.DriverIDs[i]
		mult := 1.0
		if f, ok := penalties[id]; ok && f > 1.0 {
			mult = f
		}
		target := targets[id] // nil when no recovery target
		for j := 0; j < nr; j++ {
			if m.IsInfeasible(i, j) {
				cost[i][j] = effort.Infeasible
				continue
			}
			e := m.At(i, j)
			c := e * mult
			if target != nil {
				c += math.Max(0, e-*target) * w
			}
			cost[i][j] = c
		}
	}
	return cost
}

// validate rejects solutions that select an infeasible pair or reuse a driver.
func validate(m *effort.Matrix, colToRow []int) error {
	seen := make(map[int]bool, len(colToRow))
	for j, i := range colToRow {
		if i < 0 || i >= len(m.DriverIDs) {
			return fmt.Errorf("column %d assigned out-of-range row %d", j, i)
		}
		if seen[i] {
			return fmt.Errorf("driver row %d assigned twice", i)
		}
		seen[i] = true
		if m.IsInfeasible(i, j) {
			return fmt.Errorf("selected infeasible pair (%s, %s)", m.DriverIDs[i], m.RouteIDs[j])
		}
	}
	return nil
}
