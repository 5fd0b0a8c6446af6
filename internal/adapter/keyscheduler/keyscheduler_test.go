package keyscheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWeighted_SingleCandidate(t *testing.T) {
	w := NewWeighted()
	idx := w.Select([]int{7}, func(int) float64 { return 42 }, func(int) int64 { return 0 })
	assert.Equal(t, 0, idx)
}

func TestWeighted_TiedScoresPickLowestInFlight(t *testing.T) {
	w := NewWeighted()
	inFlight := map[int]int64{0: 3, 1: 0, 2: 5}

	idx := w.Select([]int{0, 1, 2},
		func(int) float64 { return 10 },
		func(k int) int64 { return inFlight[k] },
	)
	assert.Equal(t, 1, idx, "key 1 has the fewest in-flight requests")
}

func TestWeighted_ZeroTotalWeightFallsBackToLeastInFlight(t *testing.T) {
	w := NewWeighted()
	inFlight := map[int]int64{0: 2, 1: 1}

	idx := w.Select([]int{0, 1},
		func(int) float64 { return 0 },
		func(k int) int64 { return inFlight[k] },
	)
	assert.Equal(t, 1, idx)
}

func TestWeighted_HeavilySkewedScoreAlmostAlwaysWins(t *testing.T) {
	w := NewWeighted()
	scores := map[int]float64{0: 1000, 1: 0.001}

	counts := map[int]int{}
	for i := 0; i < 200; i++ {
		idx := w.Select([]int{0, 1},
			func(k int) float64 { return scores[k] },
			func(int) int64 { return 0 },
		)
		counts[idx]++
	}
	assert.Greater(t, counts[0], counts[1])
}

func TestRoundRobin_CyclesInOrder(t *testing.T) {
	r := NewRoundRobin()
	candidates := []int{10, 20, 30}

	seen := make([]int, 0, 6)
	for i := 0; i < 6; i++ {
		idx := r.Select(candidates, nil, nil)
		seen = append(seen, candidates[idx])
	}

	assert.Equal(t, []int{10, 20, 30, 10, 20, 30}, seen)
}

func TestRoundRobin_EmptyCandidates(t *testing.T) {
	r := NewRoundRobin()
	assert.Equal(t, -1, r.Select(nil, nil, nil))
}
