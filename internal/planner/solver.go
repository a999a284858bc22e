package planner

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// padCost fills dummy cells when the matrix is squared for the Hungarian
// backend and prices infeasible pairs out of the LP. It is strictly larger
// than the 99999 infeasible sentinel so a dummy is never preferred over a
// real feasible cell.
const padCost = 1e9

var errBackendUnavailable = errors.New("solver backend unavailable")

// backend solves the rectangular linear-sum-assignment problem: every column
// (route) covered exactly once, every row (driver) at most once. Returns
// colToRow[j] = row assigned to column j.
type backend interface {
	name() string
	solve(cost [][]float64) ([]int, error)
}

// newBackends returns the fallback chain in fixed order: LP, Hungarian,
// greedy. Availability is decided here, not per call.
func newBackends() []backend {
	return []backend{
		&lpBackend{maxVars: 2500},
		hungarianBackend{},
		greedyBackend{},
	}
}

// ---------------------------------------------------------------------------
// LP backend
// ---------------------------------------------------------------------------

// lpBackend solves the assignment LP relaxation with gonum's Simplex. The
// assignment polytope is integral, so the basic optimum is a permutation.
// Declared unavailable for instances above maxVars variables; Simplex is
// dense and cubic.
type lpBackend struct {
	maxVars int
}

func (b *lpBackend) name() string { return "lp" }

// solve builds the standard-form LP:
//
//	min  Σ c[i][j]·x[i][j]
//	s.t. Σ_i x[i][j] = 1          for every column j   (route covered)
//	     Σ_j x[i][j] + s[i] = 1   for every row i      (driver at most once)
//	     x, s >= 0
func (b *lpBackend) solve(cost [][]float64) ([]int, error) {
	nd := len(cost)
	if nd == 0 {
		return nil, nil
	}
	nr := len(cost[0])
	nVars := nd*nr + nd
	if nVars > b.maxVars {
		return nil, fmt.Errorf("%w: %d variables exceeds lp cap %d", errBackendUnavailable, nVars, b.maxVars)
	}

	c := make([]float64, nVars)
	for i := 0; i < nd; i++ {
		for j := 0; j < nr; j++ {
			c[i*nr+j] = cost[i][j]
		}
	}
	// Slack variables carry zero cost.

	nRows := nr + nd
	a := mat.NewDense(nRows, nVars, nil)
	bvec := make([]float64, nRows)
	for j := 0; j < nr; j++ {
		for i := 0; i < nd; i++ {
			a.Set(j, i*nr+j, 1)
		}
		bvec[j] = 1
	}
	for i := 0; i < nd; i++ {
		row := nr + i
		for j := 0; j < nr; j++ {
			a.Set(row, i*nr+j, 1)
		}
		a.Set(row, nd*nr+i, 1)
		bvec[row] = 1
	}

	_, x, err := lp.Simplex(c, a, bvec, 1e-10, nil)
	if err != nil {
		return nil, fmt.Errorf("lp simplex: %w", err)
	}

	colToRow := make([]int, nr)
	for j := range colToRow {
		colToRow[j] = -1
	}
	for i := 0; i < nd; i++ {
		for j := 0; j < nr; j++ {
			if x[i*nr+j] > 0.5 {
				if colToRow[j] != -1 {
					return nil, fmt.Errorf("lp solution not integral at column %d", j)
				}
				colToRow[j] = i
			}
		}
	}
	for j, i := range colToRow {
		if i == -1 {
			return nil, fmt.Errorf("lp left column %d uncovered", j)
		}
	}
	return colToRow, nil
}

// ---------------------------------------------------------------------------
// Hungarian backend
// ---------------------------------------------------------------------------

// hungarianBackend squares the matrix with padCost dummy cells and runs the
// O(n³) potentials + augmenting-path algorithm.
type hungarianBackend struct{}

func (hungarianBackend) name() string { return "hungarian" }

func (hungarianBackend) solve(cost [][]float64) ([]int, error) {
	nd := len(cost)
	if nd == 0 {
		return nil, nil
	}
	nr := len(cost[0])
	n := nd
	if nr > n {
		n = nr
	}

	// Square padding: dummy rows/columns at padCost.
	sq := make([][]float64, n)
	for i := range sq {
		sq[i] = make([]float64, n)
		for j := range sq[i] {
			if i < nd && j < nr {
				sq[i][j] = cost[i][j]
			} else {
				sq[i][j] = padCost
			}
		}
	}

	colToRow := hungarianSquare(sq)

	out := make([]int, nr)
	for j := 0; j < nr; j++ {
		i := colToRow[j]
		if i >= nd {
			return nil, fmt.Errorf("hungarian assigned route column %d to a dummy driver", j)
		}
		out[j] = i
	}
	return out, nil
}

// hungarianSquare solves the square min-cost assignment over a. Rows are
// introduced one at a time; u/v are the dual potentials and way records the
// augmenting path. Returns colToRow (0-based).
func hungarianSquare(a [][]float64) []int {
	n := len(a)
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1) // p[j] = 1-based row matched to column j; p[0] is the working row
	way := make([]int, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		minv := make([]float64, n+1)
		used := make([]bool, n+1)
		for j := range minv {
			minv[j] = math.Inf(1)
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
			if j0 == 0 {
				break
			}
		}
	}

	colToRow := make([]int, n)
	for j := 1; j <= n; j++ {
		colToRow[j-1] = p[j] - 1
	}
	return colToRow
}

// ---------------------------------------------------------------------------
// Greedy backend
// ---------------------------------------------------------------------------

// greedyBackend sorts all (driver, route) cells by cost ascending and assigns
// first-come-first-served. Always available; never optimal, always feasible
// when any full cover exists under the greedy order.
type greedyBackend struct{}

func (greedyBackend) name() string { return "greedy" }

func (greedyBackend) solve(cost [][]float64) ([]int, error) {
	nd := len(cost)
	if nd == 0 {
		return nil, nil
	}
	nr := len(cost[0])

	type cell struct {
		i, j int
		c    float64
	}
	cells := make([]cell, 0, nd*nr)
	for i := 0; i < nd; i++ {
		for j := 0; j < nr; j++ {
			cells = append(cells, cell{i, j, cost[i][j]})
		}
	}
	sort.Slice(cells, func(a, b int) bool {
		if cells[a].c != cells[b].c {
			return cells[a].c < cells[b].c
		}
		if cells[a].i != cells[b].i {
			return cells[a].i < cells[b].i
		}
		return cells[a].j < cells[b].j
	})

	colToRow := make([]int, nr)
	for j := range colToRow {
		colToRow[j] = -1
	}
	rowUsed := make([]bool, nd)
	assigned := 0
	for _, c := range cells {
		if rowUsed[c.i] || colToRow[c.j] != -1 {
			continue
		}
		colToRow[c.j] = c.i
		rowUsed[c.i] = true
		assigned++
		if assigned == nr {
			break
		}
	}
	if assigned < nr {
		return nil, fmt.Errorf("greedy covered %d of %d routes", assigned, nr)
	}
	return colToRow, nil
}
