package procedure

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// HiddenTransition is a precomputed log-probability transition out of a
// given (step, dwell) pair, landing on NextStepIndex.
type HiddenTransition struct {
	NextStepIndex int
	LogProb       float64
}

// buildTransitions precomputes, for every step and every dwell time in
// [0, maxTime-1), the log-probabilities of the self-loop and of each
// outgoing edge, per spec.md §4.3. transitions[step][dwell] is nil
// whenever the computed escape probability is NaN (survival reached
// zero) — entries that reach that dwell become dead ends, matching the
// "numeric degeneracy" handling of spec.md §7.
func buildTransitions(g *Graph, maxTime int) [][][]HiddenTransition {
	maxIndex := 0
	for _, s := range g.Steps {
		if s.Index > maxIndex {
			maxIndex = s.Index
		}
	}

	transitions := make([][][]HiddenTransition, maxIndex+1)
	for i := range transitions {
		transitions[i] = make([][]HiddenTransition, maxTime)
	}

	for _, step := range g.Steps {
		surv := survivalFunction(step, maxTime)

		for t := 0; t < maxTime-1; t++ {
			escape := 1 - surv[t+1]/surv[t] // 0/0 yields NaN, handled below

			if math.IsNaN(escape) {
				continue
			}

			out := []HiddenTransition{{
				NextStepIndex: step.Index,
				LogProb:       math.Log(1 - escape), // -Inf when escape==1: a legal dead self-loop
			}}
			for dest, p := range g.Edges[step.Index] {
				out = append(out, HiddenTransition{
					NextStepIndex: dest,
					LogProb:       math.Log(escape * p),
				})
			}
			transitions[step.Index][t] = out
		}
	}

	return transitions
}

// survivalFunction returns surv[t] = P(duration > t) for t in
// [0, maxTime), per the step's duration distribution. A zero-variance
// step is treated as a delta function at MeanTime: duration is exactly
// MeanTime frames, firing the escape transition deterministically.
func survivalFunction(step Step, maxTime int) []float64 {
	surv := make([]float64, maxTime)
	if step.StdTime <= 0 {
		for t := 0; t < maxTime; t++ {
			if float64(t) < step.MeanTime {
				surv[t] = 1
			}
		}
		return surv
	}

	dist := distuv.Normal{Mu: step.MeanTime, Sigma: step.StdTime}
	for t := 0; t < maxTime; t++ {
		surv[t] = 1 - dist.CDF(float64(t))
	}
	return surv
}
