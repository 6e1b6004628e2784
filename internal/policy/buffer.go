package policy

import "math/rand"

// rolloutBuffer stores one rollout of nSteps transitions per environment,
// laid out step-major: index = step*numEnvs + env.
type rolloutBuffer struct {
	numEnvs int
	nSteps  int

	obs      [][]float64
	actions  []int
	rewards  []float64
	dones    []bool
	values   []float64
	logProbs []float64

	advantages []float64
	returns    []float64
}

func newRolloutBuffer(numEnvs, nSteps int) *rolloutBuffer {
	size := numEnvs * nSteps
	return &rolloutBuffer{
		numEnvs:    numEnvs,
		nSteps:     nSteps,
		obs:        make([][]float64, size),
		actions:    make([]int, size),
		rewards:    make([]float64, size),
		dones:      make([]bool, size),
		values:     make([]float64, size),
		logProbs:   make([]float64, size),
		advantages: make([]float64, size),
		returns:    make([]float64, size),
	}
}

func (b *rolloutBuffer) at(step, env int) int { return step*b.numEnvs + env }

// computeGAE fills advantages and returns using generalised advantage
// estimation. lastValues holds the critic's estimate of the state after the
// final collected step. dones[i] is the done of the transition taken at step
// i, so it masks both the bootstrap and the accumulator at that step; a
// terminal step never bootstraps the post-reset state's value.
func (b *rolloutBuffer) computeGAE(lastValues []float64, gamma, lambda float64) {
	for env := 0; env < b.numEnvs; env++ {
		gae := 0.0
		for step := b.nSteps - 1; step >= 0; step-- {
			i := b.at(step, env)
			var nextValue float64
			if step == b.nSteps-1 {
				nextValue = lastValues[env]
			} else {
				nextValue = b.values[b.at(step+1, env)]
			}
			nonTerminal := 1.0
			if b.dones[i] {
				nonTerminal = 0
			}
			delta := b.rewards[i] + gamma*nextValue*nonTerminal - b.values[i]
			gae = delta + gamma*lambda*nonTerminal*gae
			b.advantages[i] = gae
			b.returns[i] = gae + b.values[i]
		}
	}
}

// minibatchIndices returns a shuffled index permutation chunked by batchSize.
func (b *rolloutBuffer) minibatchIndices(batchSize int, rng *rand.Rand) [][]int {
	size := b.numEnvs * b.nSteps
	perm := rng.Perm(size)
	var out [][]int
	for start := 0; start < size; start += batchSize {
		end := start + batchSize
		if end > size {
			end = size
		}
		out = append(out, perm[start:end])
	}
	return out
}
