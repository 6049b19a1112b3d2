package cluster

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"evermem/internal/memtypes"
	"evermem/internal/search"
)

// simEpsilon bounds the floating-point band within which two cluster
// similarities count as tied.
const simEpsilon = 1e-6

// Config tunes the online clustering. Thresholds differ by domain, so both
// knobs come from configuration.
type Config struct {
	// SimilarityThreshold is the minimum centroid cosine for joining an
	// existing cluster.
	SimilarityThreshold float64
	// TimeGap excludes clusters whose last activity is further than this from
	// the new episode.
	TimeGap time.Duration
	// MinClusterSize is the member count at which a cluster update triggers a
	// profile refresh for the episode's participants.
	MinClusterSize int
}

// Manager assigns episodes to clusters. It is a pure computation component:
// the caller loads the group's ClusterState before and saves it after, which
// keeps the whole-group read-modify-write atomic under the per-group worker.
type Manager struct {
	cfg Config
}

// New returns a Manager; zero config fields get working defaults.
func New(cfg Config) *Manager {
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = 0.70
	}
	if cfg.TimeGap == 0 {
		cfg.TimeGap = 7 * 24 * time.Hour
	}
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = 1
	}
	return &Manager{cfg: cfg}
}

// Assign places the episode into a cluster and mutates state accordingly.
// A zero or missing embedding produces a singleton cluster and bumps the
// failure counter.
func (m *Manager) Assign(state *memtypes.ClusterState, eventID string, embedding []float32, ts time.Time) string {
	if state.Clusters == nil {
		state.Clusters = map[string]memtypes.ClusterInfo{}
	}
	if state.EventToCluster == nil {
		state.EventToCluster = map[string]string{}
	}

	if isZeroVector(embedding) {
		id := m.newCluster(state, eventID, embedding, ts)
		state.FailedEmbeddings++
		log.Warn().Str("event_id", eventID).Str("group_id", state.GroupID).
			Msg("cluster_zero_embedding_singleton")
		return id
	}

	best, bestSim := m.findBest(state, embedding, ts)
	if best == "" || bestSim < m.cfg.SimilarityThreshold {
		return m.newCluster(state, eventID, embedding, ts)
	}

	info := state.Clusters[best]
	info.Centroid = runningMean(info.Centroid, info.Count, embedding)
	info.Count++
	if ts.After(info.LastTS) {
		info.LastTS = ts
	}
	state.Clusters[best] = info
	state.EventToCluster[eventID] = best
	state.EventIDs = append(state.EventIDs, eventID)
	return best
}

// findBest returns the highest-similarity cluster among those within the
// time gap; ties within epsilon go to the cluster with the most recent
// activity.
func (m *Manager) findBest(state *memtypes.ClusterState, embedding []float32, ts time.Time) (string, float64) {
	bestID := ""
	bestSim := -1.0
	var bestTS time.Time
	for id, info := range state.Clusters {
		if len(info.Centroid) == 0 {
			continue
		}
		if gap := absDuration(ts.Sub(info.LastTS)); gap > m.cfg.TimeGap {
			continue
		}
		sim := search.Cosine(info.Centroid, embedding)
		switch {
		case sim > bestSim+simEpsilon:
			bestID, bestSim, bestTS = id, sim, info.LastTS
		case math.Abs(sim-bestSim) <= simEpsilon && info.LastTS.After(bestTS):
			bestID, bestTS = id, info.LastTS
		}
	}
	return bestID, bestSim
}

func (m *Manager) newCluster(state *memtypes.ClusterState, eventID string, embedding []float32, ts time.Time) string {
	id := fmt.Sprintf("cluster_%03d", state.NextClusterIndex)
	state.NextClusterIndex++
	centroid := make([]float32, len(embedding))
	copy(centroid, embedding)
	state.Clusters[id] = memtypes.ClusterInfo{Centroid: centroid, Count: 1, LastTS: ts}
	state.EventToCluster[eventID] = id
	state.EventIDs = append(state.EventIDs, eventID)
	return id
}

// TriggersProfileRefresh reports whether the updated cluster is large enough
// to queue a profile rebuild for the episode's participants.
func (m *Manager) TriggersProfileRefresh(state *memtypes.ClusterState, clusterID string) bool {
	info, ok := state.Clusters[clusterID]
	if !ok {
		return false
	}
	return info.Count >= m.cfg.MinClusterSize
}

func runningMean(centroid []float32, count int, v []float32) []float32 {
	if count <= 0 || len(centroid) != len(v) {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}
	out := make([]float32, len(centroid))
	n := float32(count)
	for i := range centroid {
		out[i] = (centroid[i]*n + v[i]) / (n + 1)
	}
	return out
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
