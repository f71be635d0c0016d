package memory

import (
	"math"
	"sort"
	"time"
)

// ScoringWeights blends the three retrieval signals. The weights are a
// tunable policy, not an algorithmic contract: similarity carries most of
// the ranking, recency decays exponentially, and reinforcement rewards
// entries that keep getting recalled.
type ScoringWeights struct {
	Similarity    float64 // weight of raw cosine similarity
	Recency       float64 // weight of exponential age decay
	Reinforcement float64 // weight of log-damped access count
	HalfLife      time.Duration
}

// DefaultScoringWeights returns the shipped tuning.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		Similarity:    0.70,
		Recency:       0.20,
		Reinforcement: 0.10,
		HalfLife:      168 * time.Hour,
	}
}

// reinforcementCeiling is where the log-damped access count saturates at 1.0.
const reinforcementCeiling = 100

// score combines similarity, recency, and reinforcement into one value in
// roughly [0,1].
func (w ScoringWeights) score(similarity float64, createdAt time.Time, accessCount int, now time.Time) float64 {
	recency := 0.0
	if !createdAt.IsZero() {
		age := now.Sub(createdAt)
		if age < 0 {
			age = 0
		}
		recency = math.Pow(0.5, age.Hours()/w.HalfLife.Hours())
	}

	reinforcement := math.Log1p(float64(accessCount)) / math.Log1p(reinforcementCeiling)
	if reinforcement > 1 {
		reinforcement = 1
	}

	return w.Similarity*similarity + w.Recency*recency + w.Reinforcement*reinforcement
}

// rank sorts entries by hybrid score descending, breaking ties by most
// recent creation first.
func rank(entries []ScoredEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
