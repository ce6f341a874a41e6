package store

import (
	"sort"

	"parkbeat/pkg/geo"
	"parkbeat/pkg/models"
)

const (
	// clusterDepth is how many characters beyond the subscribed prefix a
	// cluster bucket spans. Three characters is roughly one map tile at
	// typical viewing zoom.
	clusterDepth = 3

	// clusterThreshold is the minimum bucket population that produces a
	// cluster marker.
	clusterThreshold = 5
)

// Clusters aggregates the matched projects into coarse map markers for the
// snapshot's groups element. Projects are bucketed by a geohash prefix a
// few characters longer than the subscription; dense buckets collapse into
// a centroid-and-count marker. Output is ordered by bucket prefix so the
// result is deterministic for a given input set.
func Clusters(prefix string, projects []models.Project) []models.Cluster {
	depth := len(prefix) + clusterDepth
	if depth > geo.DefaultPrecision {
		depth = geo.DefaultPrecision
	}

	type bucket struct {
		count  int
		sumLat float64
		sumLng float64
	}
	buckets := make(map[string]*bucket)
	for _, p := range projects {
		if len(p.Geohash) < depth {
			continue
		}
		key := p.Geohash[:depth]
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.sumLat += p.Lat
		b.sumLng += p.Lng
	}

	clusters := []models.Cluster{}
	for key, b := range buckets {
		if b.count < clusterThreshold {
			continue
		}
		clusters = append(clusters, models.Cluster{
			Geohash: key,
			Count:   b.count,
			Lat:     b.sumLat / float64(b.count),
			Lng:     b.sumLng / float64(b.count),
		})
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Geohash < clusters[j].Geohash
	})
	return clusters
}
