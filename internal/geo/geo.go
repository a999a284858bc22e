// Package geo holds the leaf geography utilities the run controller uses to
// materialize routes: great-circle distance, a K-means-like package clusterer,
// and a nearest-neighbour stop orderer. The allocation agents never touch raw
// coordinates; they consume the Route aggregates computed here.
package geo

import (
	"math"
	"sort"

	"github.com/haricheung/fairdispatch/internal/types"
)

const earthRadiusKm = 6371.0

// GreatCircle returns the haversine distance in km between two coordinates.
func GreatCircle(lat1, lng1, lat2, lng2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

// KMeansClusterer groups packages into at most numRoutes geographic clusters.
// Seeding is deterministic (spread over packages sorted by id), so identical
// inputs produce identical cluster ids.
type KMeansClusterer struct {
	MaxIter int // 0 means the default of 20
}

// Cluster implements types.Clusterer.
//
// Expectations:
//   - Returns at most numRoutes clusters, ids 0..k-1
//   - Every package lands in exactly one cluster
//   - Empty clusters are dropped and ids are re-packed
//   - Identical inputs produce identical clustering (deterministic seeding)
func (c *KMeansClusterer) Cluster(pkgs []types.Package, numRoutes int) ([]types.Cluster, error) {
	if len(pkgs) == 0 || numRoutes <= 0 {
		return nil, nil
	}
	k := numRoutes
	if k > len(pkgs) {
		k = len(pkgs)
	}

	sorted := make([]types.Package, len(pkgs))
	copy(sorted, pkgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	// Seed centroids spread evenly over the id-sorted packages.
	cLat := make([]float64, k)
	cLng := make([]float64, k)
	for i := 0; i < k; i++ {
		p := sorted[i*len(sorted)/k]
		cLat[i] = p.Lat
		cLng[i] = p.Lng
	}

	maxIter := c.MaxIter
	if maxIter == 0 {
		maxIter = 20
	}

	member := make([]int, len(sorted))
	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, p := range sorted {
			best, bestD := 0, math.Inf(1)
			for j := 0; j < k; j++ {
				d := GreatCircle(p.Lat, p.Lng, cLat[j], cLng[j])
				if d < bestD {
					best, bestD = j, d
				}
			}
			if member[i] != best {
				member[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		// Recompute centroids.
		sumLat := make([]float64, k)
		sumLng := make([]float64, k)
		count := make([]int, k)
		for i, p := range sorted {
			j := member[i]
			sumLat[j] += p.Lat
			sumLng[j] += p.Lng
			count[j]++
		}
		for j := 0; j < k; j++ {
			if count[j] > 0 {
				cLat[j] = sumLat[j] / float64(count[j])
				cLng[j] = sumLng[j] / float64(count[j])
			}
		}
	}

	byCluster := make(map[int][]types.Package)
	for i, p := range sorted {
		byCluster[member[i]] = append(byCluster[member[i]], p)
	}

	var out []types.Cluster
	id := 0
	for j := 0; j < k; j++ {
		members, ok := byCluster[j]
		if !ok {
			continue // empty cluster dropped, ids re-packed
		}
		var sLat, sLng float64
		for _, p := range members {
			sLat += p.Lat
			sLng += p.Lng
		}
		out = append(out, types.Cluster{
			ID:        id,
			Packages:  members,
			CenterLat: sLat / float64(len(members)),
			CenterLng: sLng / float64(len(members)),
		})
		id++
	}
	return out, nil
}

// NearestNeighbourOrderer orders a cluster's packages greedily from a start
// coordinate, always visiting the closest unvisited stop next.
type NearestNeighbourOrderer struct{}

// Order implements types.StopOrderer.
//
// Expectations:
//   - Returns a permutation of pkgs
//   - First stop is the package closest to start
//   - Ties break by package id ordering (deterministic)
func (NearestNeighbourOrderer) Order(pkgs []types.Package, start types.Coordinate) []types.Package {
	remaining := make([]types.Package, len(pkgs))
	copy(remaining, pkgs)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ID < remaining[j].ID })

	out := make([]types.Package, 0, len(remaining))
	curLat, curLng := start.Lat, start.Lng
	for len(remaining) > 0 {
		best, bestD := 0, math.Inf(1)
		for i, p := range remaining {
			d := GreatCircle(curLat, curLng, p.Lat, p.Lng)
			if d < bestD {
				best, bestD = i, d
			}
		}
		next := remaining[best]
		out = append(out, next)
		remaining = append(remaining[:best], remaining[best+1:]...)
		curLat, curLng = next.Lat, next.Lng
	}
	return out
}

// RouteLength returns the total km of the ordered stop sequence starting and
// ending nowhere in particular (open path from start through all stops).
func RouteLength(ordered []types.Package, start types.Coordinate) float64 {
	total := 0.0
	curLat, curLng := start.Lat, start.Lng
	for _, p := range ordered {
		total += GreatCircle(curLat, curLng, p.Lat, p.Lng)
		curLat, curLng = p.Lat, p.Lng
	}
	return total
}
