package cluster

import (
	"math"
	"testing"
	"time"

	"evermem/internal/memtypes"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAssignFirstEpisodeCreatesCluster(t *testing.T) {
	m := New(Config{})
	state := memtypes.NewClusterState("g1")
	id := m.Assign(state, "e1", []float32{1, 0, 0}, base)
	if id != "cluster_000" {
		t.Fatalf("expected cluster_000, got %s", id)
	}
	info := state.Clusters[id]
	if info.Count != 1 || !info.LastTS.Equal(base) {
		t.Fatalf("unexpected cluster info: %+v", info)
	}
	if state.EventToCluster["e1"] != id {
		t.Fatalf("mapping not recorded")
	}
}

func TestAssignJoinsSimilarCluster(t *testing.T) {
	m := New(Config{SimilarityThreshold: 0.7})
	state := memtypes.NewClusterState("g1")
	m.Assign(state, "e1", []float32{1, 0, 0}, base)
	id := m.Assign(state, "e2", []float32{0.9, 0.1, 0}, base.Add(time.Hour))
	if id != "cluster_000" {
		t.Fatalf("expected join of cluster_000, got %s", id)
	}
	if state.Clusters[id].Count != 2 {
		t.Fatalf("count = %d, want 2", state.Clusters[id].Count)
	}
}

func TestAssignDissimilarCreatesNewCluster(t *testing.T) {
	m := New(Config{SimilarityThreshold: 0.7})
	state := memtypes.NewClusterState("g1")
	m.Assign(state, "e1", []float32{1, 0, 0}, base)
	id := m.Assign(state, "e2", []float32{0, 1, 0}, base.Add(time.Hour))
	if id == "cluster_000" {
		t.Fatalf("orthogonal vector should not join")
	}
	if len(state.Clusters) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(state.Clusters))
	}
}

func TestAssignSkipsClustersBeyondTimeGap(t *testing.T) {
	m := New(Config{SimilarityThreshold: 0.7, TimeGap: 24 * time.Hour})
	state := memtypes.NewClusterState("g1")
	m.Assign(state, "e1", []float32{1, 0, 0}, base)
	// Same topic, but ten days later.
	id := m.Assign(state, "e2", []float32{1, 0, 0}, base.Add(10*24*time.Hour))
	if id == "cluster_000" {
		t.Fatalf("stale cluster must be skipped despite perfect similarity")
	}
}

func TestAssignTieBreaksByRecency(t *testing.T) {
	m := New(Config{SimilarityThreshold: 0.5})
	state := memtypes.NewClusterState("g1")
	m.Assign(state, "e1", []float32{1, 0, 0}, base)
	m.Assign(state, "e2", []float32{1, 0, 0}, base.Add(2*time.Hour)) // joins cluster_000
	// Force a second identical-centroid cluster with an older timestamp.
	state.Clusters["cluster_900"] = memtypes.ClusterInfo{Centroid: []float32{1, 0, 0}, Count: 1, LastTS: base.Add(-time.Hour)}
	id := m.Assign(state, "e3", []float32{1, 0, 0}, base.Add(3*time.Hour))
	if id != "cluster_000" {
		t.Fatalf("tie should go to the most recently active cluster, got %s", id)
	}
}

func TestAssignZeroEmbeddingSingleton(t *testing.T) {
	m := New(Config{})
	state := memtypes.NewClusterState("g1")
	m.Assign(state, "e1", []float32{1, 0, 0}, base)
	id := m.Assign(state, "e2", []float32{0, 0, 0}, base.Add(time.Minute))
	if id == "cluster_000" {
		t.Fatalf("zero embedding must form a singleton")
	}
	if state.FailedEmbeddings != 1 {
		t.Fatalf("failure counter = %d, want 1", state.FailedEmbeddings)
	}
}

// Centroid must equal the running mean of member embeddings and counts must
// match the mapping.
func TestClusterStateInvariants(t *testing.T) {
	m := New(Config{SimilarityThreshold: 0.5})
	state := memtypes.NewClusterState("g1")
	vectors := map[string][]float32{
		"e1": {1, 0, 0},
		"e2": {0.8, 0.2, 0},
		"e3": {0.9, 0.05, 0},
	}
	for _, id := range []string{"e1", "e2", "e3"} {
		m.Assign(state, id, vectors[id], base.Add(time.Minute))
	}

	counts := map[string]int{}
	sums := map[string][]float64{}
	for eventID, clusterID := range state.EventToCluster {
		counts[clusterID]++
		v := vectors[eventID]
		if sums[clusterID] == nil {
			sums[clusterID] = make([]float64, len(v))
		}
		for i, x := range v {
			sums[clusterID][i] += float64(x)
		}
	}
	for clusterID, info := range state.Clusters {
		if info.Count != counts[clusterID] {
			t.Fatalf("cluster %s count %d != mapping count %d", clusterID, info.Count, counts[clusterID])
		}
		for i := range info.Centroid {
			mean := sums[clusterID][i] / float64(counts[clusterID])
			if math.Abs(float64(info.Centroid[i])-mean) > 1e-5 {
				t.Fatalf("cluster %s centroid[%d]=%v, want mean %v", clusterID, i, info.Centroid[i], mean)
			}
		}
	}
}
