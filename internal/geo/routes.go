package geo

import (
	"fmt"
	"math"

	"github.com/haricheung/fairdispatch/internal/types"
)

const (
	minutesPerStop = 5.0
	minutesPerKm   = 2.0
)

// BuildRoute turns one ordered cluster into an immutable Route aggregate.
// Difficulty = 1 + 0.05*stops + 0.3*fragile_share + 0.2*urgent_share,
// floored at 1.0. Stop count is the number of distinct coordinates; packages
// to the same address count as one stop.
//
// Expectations:
//   - Difficulty >= 1.0 always
//   - StopCount counts unique (lat,lng) pairs, not packages
//   - EstMinutes = 5 per stop + 2 per km
//   - DistanceKm is the nearest-neighbour path length from the warehouse
func BuildRoute(id string, cluster types.Cluster, warehouse types.Coordinate, orderer types.StopOrderer) types.Route {
	ordered := orderer.Order(cluster.Packages, warehouse)

	stops := make(map[[2]float64]bool)
	var weight float64
	fragile, urgent := 0, 0
	ids := make([]string, 0, len(ordered))
	for _, p := range ordered {
		stops[[2]float64{p.Lat, p.Lng}] = true
		weight += p.WeightKg
		if p.Fragile {
			fragile++
		}
		if p.Priority == "urgent" {
			urgent++
		}
		ids = append(ids, p.ID)
	}

	n := float64(len(ordered))
	difficulty := 1.0
	if n > 0 {
		difficulty = 1.0 + 0.05*float64(len(stops)) + 0.3*(float64(fragile)/n) + 0.2*(float64(urgent)/n)
	}
	difficulty = math.Max(1.0, difficulty)

	dist := RouteLength(ordered, warehouse)
	return types.Route{
		ID:            id,
		ClusterID:     cluster.ID,
		PackageCount:  len(ordered),
		TotalWeightKg: round2(weight),
		StopCount:     len(stops),
		Difficulty:    round2(difficulty),
		EstMinutes:    round2(minutesPerStop*float64(len(stops)) + minutesPerKm*dist),
		DistanceKm:    round2(dist),
		HasDistance:   true,
		PackageIDs:    ids,
	}
}

// Summary renders the one-line route summary used in responses and
// explanations, e.g. "12 packages, 84.5 kg, 9 stops, ~75 min".
func Summary(r types.Route) string {
	return fmt.Sprintf("%d packages, %.1f kg, %d stops, ~%.0f min",
		r.PackageCount, r.TotalWeightKg, r.StopCount, r.EstMinutes)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
