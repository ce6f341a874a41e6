package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parkbeat/pkg/models"
)

func projectAt(id, geohash string, lat, lng float64) models.Project {
	return models.Project{ID: id, Geohash: geohash, Lat: lat, Lng: lng}
}

func TestClustersBelowThreshold(t *testing.T) {
	projects := []models.Project{
		projectAt("p1", "dr5regw3p", 40.71, -74.00),
		projectAt("p2", "dr5regw3q", 40.72, -74.01),
	}
	assert.Empty(t, Clusters("dr5", projects))
}

func TestClustersDenseBucket(t *testing.T) {
	var projects []models.Project
	for i := 0; i < 6; i++ {
		projects = append(projects,
			projectAt(fmt.Sprintf("p%d", i), "dr5regw3p", 40.0+float64(i), -74.0))
	}
	clusters := Clusters("dr5", projects)

	require.Len(t, clusters, 1)
	// Bucket depth is the prefix plus three characters.
	assert.Equal(t, "dr5reg", clusters[0].Geohash)
	assert.Equal(t, 6, clusters[0].Count)
	assert.InDelta(t, 42.5, clusters[0].Lat, 0.0001)
	assert.InDelta(t, -74.0, clusters[0].Lng, 0.0001)
}

func TestClustersSeparateBuckets(t *testing.T) {
	var projects []models.Project
	for i := 0; i < 5; i++ {
		projects = append(projects, projectAt(fmt.Sprintf("a%d", i), "dr5regw3p", 40, -74))
	}
	for i := 0; i < 5; i++ {
		projects = append(projects, projectAt(fmt.Sprintf("b%d", i), "dr5ruxyzk", 41, -73))
	}
	clusters := Clusters("dr5", projects)

	require.Len(t, clusters, 2)
	// Ordered by bucket prefix.
	assert.Equal(t, "dr5reg", clusters[0].Geohash)
	assert.Equal(t, "dr5rux", clusters[1].Geohash)
}

func TestClustersDepthCappedAtStoredPrecision(t *testing.T) {
	var projects []models.Project
	for i := 0; i < 5; i++ {
		projects = append(projects, projectAt(fmt.Sprintf("p%d", i), "dr5regw3p", 40, -74))
	}
	clusters := Clusters("dr5regw3", projects)

	require.Len(t, clusters, 1)
	assert.Equal(t, "dr5regw3p", clusters[0].Geohash)
}

func TestClustersSkipsShortGeohashes(t *testing.T) {
	projects := []models.Project{projectAt("p1", "dr5", 40, -74)}
	assert.Empty(t, Clusters("dr5", projects))
}

func TestClustersDeterministic(t *testing.T) {
	var projects []models.Project
	for i := 0; i < 12; i++ {
		hash := "dr5regw3p"
		if i%2 == 0 {
			hash = "dr5ruxyzk"
		}
		projects = append(projects, projectAt(fmt.Sprintf("p%d", i), hash, float64(i), float64(-i)))
	}
	first := Clusters("dr5", projects)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Clusters("dr5", projects))
	}
}
