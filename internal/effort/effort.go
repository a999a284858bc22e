// Package effort implements agent A: it builds the driver×route effort
// matrix the whole pipeline runs on. Cells are rounded to 2 decimals when
// stored, so identical inputs produce bit-identical matrices.
package effort

import (
	"log"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/haricheung/fairdispatch/internal/config"
	"github.com/haricheung/fairdispatch/internal/types"
)

// Infeasible is the sentinel cost written into cells the planner must not
// pick (EV range violations). Excluded from matrix statistics.
const Infeasible = 99999.0

// Matrix is the dense effort table plus its component breakdown, aligned on
// the DriverIDs/RouteIDs index order. Infeasible pairs live in a separate
// sparse set; their effort cells hold the sentinel.
type Matrix struct {
	DriverIDs []string
	RouteIDs  []string

	Effort          *mat.Dense
	Physical        *mat.Dense
	Complexity      *mat.Dense
	Time            *mat.Dense
	CapacityPenalty *mat.Dense

	InfeasiblePairs map[[2]int]bool

	Stats Stats

	driverIdx map[string]int
	routeIdx  map[string]int
}

// Stats summarize the feasible cells of a matrix.
type Stats struct {
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Avg           float64 `json:"avg"`
	NumCells      int     `json:"num_cells"`
	NumInfeasible int     `json:"num_infeasible"`
}

// DriverIndex returns the row index for a driver id, or -1.
func (m *Matrix) DriverIndex(id string) int {
	if i, ok := m.driverIdx[id]; ok {
		return i
	}
	return -1
}

// RouteIndex returns the column index for a route id, or -1.
func (m *Matrix) RouteIndex(id string) int {
	if j, ok := m.routeIdx[id]; ok {
		return j
	}
	return -1
}

// At returns the effort cell for (driver row, route column).
func (m *Matrix) At(d, r int) float64 { return m.Effort.At(d, r) }

// IsInfeasible reports whether (d, r) is in the infeasible set.
func (m *Matrix) IsInfeasible(d, r int) bool { return m.InfeasiblePairs[[2]int{d, r}] }

// Model is agent A. Weights default to config.DefaultWeights when zero.
type Model struct {
	Weights config.Weights
}

// New creates a Model with the default weights.
func New() *Model {
	return &Model{Weights: config.DefaultWeights()}
}

// Build computes the effort matrix for drivers × routes.
//
// Per (d, r):
//
//	physical = α·packages + β·weight + 0.4·γ·difficulty   (×(1+0.1·fatigue) if fatigue>0)
//	complexity = 0.6·γ·difficulty + 0.5·stops
//	time = δ·minutes
//	capacity_penalty per the overload/near-capacity bands
//	total = physical + complexity + time + capacity_penalty
//
// EV adjustment applies only to electric drivers with a positive battery
// range on routes with known distance: beyond the safety margin the pair is
// infeasible; above 70% of range a charging overhead is added to both
// capacity_penalty and total.
//
// Expectations:
//   - Row order is drivers order, column order is routes order
//   - Every stored cell is rounded to 2 decimals
//   - Infeasible cells hold the 99999 sentinel and are excluded from stats
//   - An electric driver with battery_range <= 0 is never marked infeasible
func (m *Model) Build(drivers []types.Driver, routes []types.Route, stats map[string]types.DriverContext, cfg config.Fairness) *Matrix {
	w := m.Weights
	if w == (config.Weights{}) {
		w = config.DefaultWeights()
	}

	nd, nr := len(drivers), len(routes)
	out := &Matrix{
		DriverIDs:       make([]string, nd),
		RouteIDs:        make([]string, nr),
		InfeasiblePairs: make(map[[2]int]bool),
		driverIdx:       make(map[string]int, nd),
		routeIdx:        make(map[string]int, nr),
	}
	for i, d := range drivers {
		out.DriverIDs[i] = d.ID
		out.driverIdx[d.ID] = i
	}
	for j, r := range routes {
		out.RouteIDs[j] = r.ID
		out.routeIdx[r.ID] = j
	}
	if nd == 0 || nr == 0 {
		return out
	}

	out.Effort = mat.NewDense(nd, nr, nil)
	out.Physical = mat.NewDense(nd, nr, nil)
	out.Complexity = mat.NewDense(nd, nr, nil)
	out.Time = mat.NewDense(nd, nr, nil)
	out.CapacityPenalty = mat.NewDense(nd, nr, nil)

	st := Stats{Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64

	for i, d := range drivers {
		var fatigue float64
		if sc, ok := stats[d.ID]; ok {
			fatigue = sc.Fatigue
		}
		for j, r := range routes {
			physical := w.Alpha*float64(r.PackageCount) + w.Beta*r.TotalWeightKg + 0.4*w.Gamma*r.Difficulty
			if fatigue > 0 {
				physical *= 1 + 0.1*fatigue
			}
			complexity := 0.6*w.Gamma*r.Difficulty + 0.5*float64(r.StopCount)
			timeCost := w.Delta * r.EstMinutes
			capPenalty := capacityPenalty(w.Epsilon, r.TotalWeightKg, d.CapacityKg)

			infeasible := false
			if d.Vehicle == types.VehicleElectric && d.BatteryRangeKm > 0 && r.HasDistance {
				effective := d.BatteryRangeKm * (1 - cfg.EVSafetyMarginPct/100)
				if r.DistanceKm > effective {
					infeasible = true
				} else if ratio := r.DistanceKm / d.BatteryRangeKm; ratio > 0.7 {
					capPenalty += (ratio - 0.7) * d.ChargeTimeMin * cfg.EVChargingPenaltyWeight
				}
			}

			total := physical + complexity + timeCost + capPenalty

			out.Physical.Set(i, j, round2(physical))
			out.Complexity.Set(i, j, round2(complexity))
			out.Time.Set(i, j, round2(timeCost))
			out.CapacityPenalty.Set(i, j, round2(capPenalty))

			if infeasible {
				out.Effort.Set(i, j, Infeasible)
				out.InfeasiblePairs[[2]int{i, j}] = true
				st.NumInfeasible++
				continue
			}
			cell := round2(total)
			out.Effort.Set(i, j, cell)
			st.NumCells++
			sum += cell
			if cell < st.Min {
				st.Min = cell
			}
			if cell > st.Max {
				st.Max = cell
			}
		}
	}

	if st.NumCells > 0 {
		st.Avg = round2(sum / float64(st.NumCells))
	} else {
		st.Min, st.Max = 0, 0
	}
	out.Stats = st

	log.Printf("[EFFORT] matrix %dx%d min=%.2f max=%.2f avg=%.2f infeasible=%d",
		nd, nr, st.Min, st.Max, st.Avg, st.NumInfeasible)
	return out
}

// capacityPenalty applies the overload band (weight above capacity) or the
// near-capacity band (load factor above 0.9).
//
// Expectations:
//   - Returns 10·ε·(weight/capacity − 1) when weight > capacity
//   - Returns 2·ε·(weight/capacity − 0.9) when 0.9 < weight/capacity <= 1
//   - Returns 0 otherwise, and 0 for non-positive capacity
func capacityPenalty(epsilon, weight, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	load := weight / capacity
	switch {
	case load > 1:
		return 10 * epsilon * (load - 1)
	case load > 0.9:
		return 2 * epsilon * (load - 0.9)
	default:
		return 0
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
