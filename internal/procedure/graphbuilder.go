package procedure

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	beginLabel = "begin"
	endLabel   = "end"
)

// LabelledTrace is a single training trace: an ordered sequence of string
// labels, one per frame. BuildGraph does not filter labels: every label,
// including literals such as "Other", is looked up in the canonical step
// name list, and a label missing from it makes BuildGraph return an error.
type LabelledTrace struct {
	Labels []string
}

// BuildGraph estimates a Graph from a set of labelled training traces and
// a canonical list of step names. For each trace, "begin" is prepended and
// "end" is appended, consecutive identical labels are compressed into
// runs, and each run's length is recorded under its label for duration
// statistics; each adjacent pair of distinct runs increments a transition
// count. Step order follows the order of names in steps, with "begin"
// first and "end" last by construction (the caller's steps list must
// already include them).
//
// Identical input traces in any order produce an identical graph — the
// builder processes each trace independently and only accumulates sums,
// so trace order never affects the result.
func BuildGraph(traces []LabelledTrace, steps []string) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("procedure: BuildGraph requires a non-empty step name list")
	}

	index := make(map[string]int, len(steps))
	for i, name := range steps {
		if _, exists := index[name]; exists {
			return nil, fmt.Errorf("procedure: duplicate step name %q", name)
		}
		index[name] = i
	}

	durations := make([][]float64, len(steps))
	transitionCounts := make([][]float64, len(steps))
	for i := range transitionCounts {
		transitionCounts[i] = make([]float64, len(steps))
	}

	for _, trace := range traces {
		labels := make([]string, 0, len(trace.Labels)+2)
		labels = append(labels, beginLabel)
		labels = append(labels, trace.Labels...)
		labels = append(labels, endLabel)

		runs := compressRuns(labels)

		var prev *string
		for _, run := range runs {
			idx, ok := index[run.label]
			if !ok {
				return nil, fmt.Errorf("procedure: label %q not in canonical step list", run.label)
			}
			durations[idx] = append(durations[idx], float64(run.length))

			if prev != nil {
				prevIdx := index[*prev]
				if prevIdx != idx {
					transitionCounts[prevIdx][idx]++
				}
			}
			label := run.label
			prev = &label
		}
	}

	// Global mean across every step that has at least one observed
	// duration, used as the fallback for steps never seen in training
	// (open question in spec.md §9: "fallback for unseen steps").
	var allDurations []float64
	for _, d := range durations {
		allDurations = append(allDurations, d...)
	}
	globalMean := 1.0
	if len(allDurations) > 0 {
		globalMean = stat.Mean(allDurations, nil)
	}

	stepList := make([]Step, len(steps))
	for i, name := range steps {
		s := Step{Index: i, Name: name}
		if len(durations[i]) == 0 {
			s.MeanTime = globalMean
			s.StdTime = 0
			s.Synthesized = true
		} else {
			s.MeanTime = stat.Mean(durations[i], nil)
			if len(durations[i]) == 1 {
				s.StdTime = 0
			} else {
				s.StdTime = stat.StdDev(durations[i], nil) * populationCorrection(len(durations[i]))
			}
		}
		stepList[i] = s
	}

	edges := make(map[int]map[int]float64, len(steps))
	for i := range steps {
		total := 0.0
		for _, c := range transitionCounts[i] {
			total += c
		}
		if total == 0 {
			continue
		}
		row := make(map[int]float64)
		for j, c := range transitionCounts[i] {
			if c > 0 {
				row[j] = c / total
			}
		}
		edges[i] = row
	}

	return NewGraph(stepList, edges)
}

// populationCorrection converts gonum's sample standard deviation
// (divisor n-1) into the population standard deviation (divisor n) used
// by spec.md §4.2, matching the source's numpy-derived std.
func populationCorrection(n int) float64 {
	if n <= 1 {
		return 0
	}
	return math.Sqrt(float64(n-1) / float64(n))
}

type run struct {
	label  string
	length int
}

// compressRuns collapses consecutive identical labels into runs,
// preserving order.
func compressRuns(labels []string) []run {
	if len(labels) == 0 {
		return nil
	}
	runs := make([]run, 0, len(labels))
	curr := run{label: labels[0], length: 1}
	for _, l := range labels[1:] {
		if l == curr.label {
			curr.length++
			continue
		}
		runs = append(runs, curr)
		curr = run{label: l, length: 1}
	}
	runs = append(runs, curr)
	return runs
}
