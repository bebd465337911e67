package procedure

import (
	"fmt"
	"math"
	"sort"
)

// negInf is the log-domain representation of zero probability.
const negInf = math.Inf(-1)

// HiddenState is a (step, dwell) pair: dwell counts the number of
// consecutive frames already spent in step, resetting to 0 whenever the
// tracker transitions to a different step.
type HiddenState struct {
	StepIndex int
	Dwell     int
}

// ViterbiEntry is the best history ending in a particular step at the
// current frame, and its log-probability.
type ViterbiEntry struct {
	LogProb float64
	History []HiddenState
}

// LastState returns the final state of the entry's history. Only valid
// when History is non-empty.
func (e ViterbiEntry) LastState() HiddenState {
	return e.History[len(e.History)-1]
}

// trackerState is the tracker's lifecycle: Fresh -> Initialized ->
// Advancing, per spec.md §4.4.
type trackerState int

const (
	trackerFresh trackerState = iota
	trackerInitialized
	trackerAdvancing
)

// Tracker maintains, for each step, the single most probable history
// ending in that step (the standard Viterbi recombination). It is built
// once per trace from a Graph and an optional restriction on admissible
// starting steps; it has no reset, and Initialize is rejected once the
// tracker has left the Fresh state.
type Tracker struct {
	steps         []Step
	transitions   [][][]HiddenTransition
	startStepSet  map[int]bool
	hasStartSteps bool

	state   trackerState
	entries map[int]ViterbiEntry
}

// NewTracker constructs a Tracker over graph, precomputing its trellis up
// to maxTime dwell frames. startStepIndices, if non-nil, restricts which
// steps may carry non-zero mass at initialize time; nil means every step
// is an admissible start.
func NewTracker(graph *Graph, maxTime int, startStepIndices []int) *Tracker {
	t := &Tracker{
		steps:       graph.Steps,
		transitions: buildTransitions(graph, maxTime),
	}
	if startStepIndices != nil {
		t.hasStartSteps = true
		t.startStepSet = make(map[int]bool, len(startStepIndices))
		for _, idx := range startStepIndices {
			t.startStepSet[idx] = true
		}
	}
	return t
}

// observedLogProb computes, for every step, the log of the effective
// observation likelihood implied by the confusion matrix: for actual
// step a, log(sum_o CM[a][o] * observation[o]).
func (t *Tracker) observedLogProb(observation []float64, confusionMatrix [][]float64) map[int]float64 {
	out := make(map[int]float64, len(t.steps))
	for _, actual := range t.steps {
		acc := 0.0
		row := confusionMatrix[actual.Index]
		for _, observed := range t.steps {
			acc += row[observed.Index] * observation[observed.Index]
		}
		out[actual.Index] = math.Log(acc)
	}
	return out
}

// Initialize seeds one entry per step from the first frame's observation
// and returns the best (log-probability, history) pair. It is only valid
// from the Fresh state.
func (t *Tracker) Initialize(observation []float64, confusionMatrix [][]float64) (float64, []int, error) {
	if t.state != trackerFresh {
		return 0, nil, fmt.Errorf("procedure: Initialize called outside Fresh state")
	}

	entries := make(map[int]ViterbiEntry, len(t.steps))
	for _, current := range t.steps {
		admissible := !t.hasStartSteps || t.startStepSet[current.Index]

		logProb := negInf
		if admissible {
			acc := 0.0
			row := confusionMatrix[current.Index]
			for _, observed := range t.steps {
				acc += row[observed.Index] * observation[observed.Index]
			}
			logProb = math.Log(acc)
		}

		entries[current.Index] = ViterbiEntry{
			LogProb: logProb,
			History: []HiddenState{{StepIndex: current.Index, Dwell: 0}},
		}
	}

	t.entries = entries
	t.state = trackerInitialized
	return bestEntry(entries)
}

// Forward advances the tracker by one frame. oracleNextStep, when
// non-nil, forces the transition from every current step directly into
// *oracleNextStep and forbids every self-loop. Otherwise, any transition
// landing on a step named in oracleProhibitedSteps is dropped unless it
// is a self-loop.
func (t *Tracker) Forward(observation []float64, confusionMatrix [][]float64, oracleNextStep *int, oracleProhibitedSteps []int) (float64, []int, error) {
	if t.state == trackerFresh {
		return 0, nil, fmt.Errorf("procedure: Forward called before Initialize")
	}

	observed := t.observedLogProb(observation, confusionMatrix)

	prohibited := make(map[int]bool, len(oracleProhibitedSteps))
	for _, s := range oracleProhibitedSteps {
		prohibited[s] = true
	}

	next := make(map[int]ViterbiEntry, len(t.steps))
	for fromIndex, entry := range t.entries {
		last := entry.LastState()
		candidates := t.transitions[fromIndex][last.Dwell]
		// Dwell saturates at maxTime-1: an entry that reaches it is
		// absorbed, self-looping with certainty at that same dwell.
		saturated := last.Dwell == len(t.transitions[fromIndex])-1
		if saturated {
			candidates = []HiddenTransition{{NextStepIndex: fromIndex, LogProb: 0}}
		}

		for _, tr := range candidates {
			if oracleNextStep != nil {
				if *oracleNextStep == fromIndex {
					continue // too early to transition
				}
				if *oracleNextStep != tr.NextStepIndex {
					continue
				}
			} else if tr.NextStepIndex != fromIndex && prohibited[tr.NextStepIndex] {
				continue
			}

			prob := entry.LogProb + tr.LogProb + observed[tr.NextStepIndex]

			if existing, ok := next[tr.NextStepIndex]; ok && prob < existing.LogProb {
				continue
			}

			var nextState HiddenState
			if tr.NextStepIndex == fromIndex {
				dwell := last.Dwell + 1
				if saturated {
					dwell = last.Dwell
				}
				nextState = HiddenState{StepIndex: tr.NextStepIndex, Dwell: dwell}
			} else {
				nextState = HiddenState{StepIndex: tr.NextStepIndex, Dwell: 0}
			}

			history := make([]HiddenState, len(entry.History)+1)
			copy(history, entry.History)
			history[len(entry.History)] = nextState

			next[tr.NextStepIndex] = ViterbiEntry{LogProb: prob, History: history}
		}
	}

	t.entries = next
	t.state = trackerAdvancing
	return bestEntry(next)
}

// PredictStep is one frame's (log-probability, history) result, as
// yielded by Predict.
type PredictStep struct {
	LogProb float64
	History []int
}

// Oracle maps a step index to the frames at which the participant is
// known to have entered that step.
type Oracle map[int][]int

// Predict drives the tracker across every observed frame: it calls
// Initialize with column 0 of observations, then Forward for columns
// 1..T-1, returning one PredictStep per frame. oracle, if non-empty,
// constrains the search per spec.md §4.4's oracle semantics: at frame t,
// the oracle's next-step is the lowest-indexed key k with t in
// oracle[k] (a deterministic tie-break — spec.md §9 leaves this
// implementer-defined), and every other oracle key is prohibited.
func (t *Tracker) Predict(observations [][]float64, confusionMatrix [][]float64, oracle Oracle) ([]PredictStep, error) {
	if len(observations) == 0 || len(observations[0]) == 0 {
		return nil, fmt.Errorf("procedure: Predict requires at least one frame")
	}
	numFrames := len(observations[0])

	column := func(frame int) []float64 {
		col := make([]float64, len(observations))
		for i, series := range observations {
			col[i] = series[frame]
		}
		return col
	}

	results := make([]PredictStep, numFrames)

	prob, history, err := t.Initialize(column(0), confusionMatrix)
	if err != nil {
		return nil, err
	}
	results[0] = PredictStep{LogProb: prob, History: history}

	for frame := 1; frame < numFrames; frame++ {
		nextStep, prohibited := oracleAt(oracle, frame)

		prob, history, err := t.Forward(column(frame), confusionMatrix, nextStep, prohibited)
		if err != nil {
			return nil, err
		}
		results[frame] = PredictStep{LogProb: prob, History: history}
	}

	return results, nil
}

// oracleAt resolves the oracle's constraint at a given frame: the
// lowest-indexed key whose frame list contains frame becomes the forced
// next step, and every other key becomes prohibited.
func oracleAt(oracle Oracle, frame int) (*int, []int) {
	if len(oracle) == 0 {
		return nil, nil
	}

	keys := make([]int, 0, len(oracle))
	for k := range oracle {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var next *int
	for _, k := range keys {
		if containsInt(oracle[k], frame) {
			k := k
			next = &k
			break
		}
	}

	var prohibited []int
	for _, k := range keys {
		if next == nil || k != *next {
			prohibited = append(prohibited, k)
		}
	}
	return next, prohibited
}

func bestEntry(entries map[int]ViterbiEntry) (float64, []int, error) {
	best := negInf
	var bestHistory []HiddenState
	found := false

	// Iterate in step-index order for deterministic tie-breaking among
	// equal log-probabilities (spec.md §4.4 leaves ties unspecified; we
	// pick the lowest step index).
	indices := make([]int, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		entry := entries[idx]
		if !found || entry.LogProb > best {
			best = entry.LogProb
			bestHistory = entry.History
			found = true
		}
	}

	if !found {
		return negInf, nil, nil
	}

	steps := make([]int, len(bestHistory))
	for i, s := range bestHistory {
		steps[i] = s.StepIndex
	}
	return best, steps, nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
