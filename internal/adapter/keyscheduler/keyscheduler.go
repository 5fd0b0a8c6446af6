// Package keyscheduler implements the KeyScheduler port: given a set of
// candidate key indices and a health-score function, pick one. Grounded on
// the reference balancer's PrioritySelector.weightedSelect (cumulative
// weighted random sampling over a tied tier) generalised from a priority
// tier to the continuous health score, plus LeastConnectionsSelector for
// Weighted's lowest-in-flight tie-break.
package keyscheduler

import (
	"math/rand"
	"sync/atomic"
)

// Weighted picks a candidate via weighted random sampling over the health
// scores, tie-breaking ties (within epsilon) by lowest in-flight count.
type Weighted struct{}

// NewWeighted creates a Weighted scheduler.
func NewWeighted() *Weighted {
	return &Weighted{}
}

func (w *Weighted) Name() string { return "weighted" }

const tieEpsilon = 1e-9

// Select returns the index, within candidates, of the chosen key.
func (w *Weighted) Select(candidates []int, scores func(keyIndex int) float64, inFlight func(keyIndex int) int64) int {
	if len(candidates) == 0 {
		return -1
	}
	if len(candidates) == 1 {
		return 0
	}

	total := 0.0
	maxScore := scores(candidates[0])
	for _, c := range candidates {
		s := scores(c)
		total += s
		if s > maxScore {
			maxScore = s
		}
	}

	if total <= 0 {
		return leastInFlight(candidates, inFlight)
	}

	// All scores effectively tied: pick deterministically by lowest
	// in-flight rather than leaving it to chance.
	tied := true
	for _, c := range candidates {
		if maxScore-scores(c) > tieEpsilon {
			tied = false
			break
		}
	}
	if tied {
		return leastInFlight(candidates, inFlight)
	}

	r := rand.Float64() * total
	sum := 0.0
	for i, c := range candidates {
		sum += scores(c)
		if r <= sum {
			return i
		}
	}
	return len(candidates) - 1
}

func leastInFlight(candidates []int, inFlight func(keyIndex int) int64) int {
	best := 0
	bestInFlight := inFlight(candidates[0])
	for i := 1; i < len(candidates); i++ {
		f := inFlight(candidates[i])
		if f < bestInFlight {
			bestInFlight = f
			best = i
		}
	}
	return best
}

// RoundRobin ignores health scores entirely and cycles through candidates
// in order, used when the operator disables weighted selection.
type RoundRobin struct {
	counter uint64
}

// NewRoundRobin creates a RoundRobin scheduler.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(candidates []int, _ func(keyIndex int) float64, _ func(keyIndex int) int64) int {
	if len(candidates) == 0 {
		return -1
	}
	n := atomic.AddUint64(&r.counter, 1)
	return int(n-1) % len(candidates)
}
