// Package evalharness implements the leave-one-out evaluation loop: for
// each held-out trace it trains a classifier on the remaining traces,
// derives a validation confusion matrix, and drives a procedure.Tracker
// over the held-out trace to produce frame-aligned true/raw/tracked step
// sequences.
package evalharness

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/velocity.report/internal/classifier"
	"github.com/banshee-data/velocity.report/internal/ingest"
	"github.com/banshee-data/velocity.report/internal/procedure"
	"github.com/banshee-data/velocity.report/internal/resultsdb"
)

// Options configures one Run invocation. Zero values fall back to the
// same defaults as config.HarnessConfig's Get* accessors, so callers can
// drive the harness directly without a config file.
type Options struct {
	MaxTime           int     `json:"max_time"`
	StartStepIndices  []int   `json:"start_step_indices,omitempty"`
	OracleStepIndices []int   `json:"oracle_step_indices,omitempty"`
	NumProcesses      int     `json:"num_processes"`
	AuthorsSuffix     string  `json:"authors_suffix"`
	ValidationSplit   float64 `json:"validation_split"`
	RandomSeed        int64   `json:"random_seed"`
}

func (o Options) withDefaults() Options {
	if o.MaxTime <= 0 {
		o.MaxTime = 600
	}
	if o.NumProcesses <= 0 {
		o.NumProcesses = 12
	}
	if o.AuthorsSuffix == "" {
		o.AuthorsSuffix = "-authors"
	}
	if o.ValidationSplit <= 0 || o.ValidationSplit >= 1 {
		o.ValidationSplit = 0.2
	}
	return o
}

// TraceFile pairs a trace with the file path it was loaded from, needed
// both for authors-suffix filtering and classifier cache keys.
type TraceFile struct {
	Path  string
	Trace ingest.Trace
}

// FoldResult is one test file's outcome: per-frame prefix sequences of
// true, raw-argmax, and Viterbi-tracked step indices. A non-nil Err means
// the fold failed; per §5's cancellation policy a failed fold does not
// abort the rest of the harness.
type FoldResult struct {
	TestFile     string
	TrueSteps    [][]int
	RawSteps     [][]int
	ViterbiSteps [][]int
	Err          error
}

// Results collects every fold produced by a single Run, one per
// non-authors-marked trace file.
type Results struct {
	Folds []FoldResult
}

// Harness orchestrates the leave-one-out evaluation loop described by
// the procedural graph's step taxonomy.
type Harness struct {
	Graph     *procedure.Graph
	StepNames []string
	StepIndex map[string]int
	Cache     *classifier.Cache
	DB        *resultsdb.DB
}

// NewHarness builds a Harness over graph, whose step order must match
// stepNames index-for-index. cache is required; db is optional and, when
// non-nil, receives a run row plus one fold_results row per test file.
func NewHarness(graph *procedure.Graph, stepNames []string, cache *classifier.Cache, db *resultsdb.DB) *Harness {
	index := make(map[string]int, len(stepNames))
	for i, name := range stepNames {
		index[name] = i
	}
	return &Harness{Graph: graph, StepNames: stepNames, StepIndex: index, Cache: cache, DB: db}
}

// Run drives the leave-one-out loop over files. Every file not marked
// with the authors suffix is used once as a test fold; all files
// (including authors-marked ones) are eligible as training data. Folds
// execute in a bounded worker pool sized to opts.NumProcesses, the same
// sync.WaitGroup-plus-buffered-semaphore-channel shape the teacher's
// main.go uses to join its serial monitor and subscriber goroutines.
func (h *Harness) Run(ctx context.Context, files []TraceFile, opts Options) (Results, error) {
	opts = opts.withDefaults()

	var runUUID string
	if h.DB != nil {
		configJSON, err := json.Marshal(opts)
		if err != nil {
			return Results{}, fmt.Errorf("evalharness: marshaling run config: %w", err)
		}
		runUUID, err = h.DB.InsertRun(string(configJSON))
		if err != nil {
			return Results{}, fmt.Errorf("evalharness: recording run start: %w", err)
		}
	}

	var testIndices []int
	for i, f := range files {
		if !hasAuthorsSuffix(f.Path, opts.AuthorsSuffix) {
			testIndices = append(testIndices, i)
		}
	}

	results := make([]FoldResult, len(testIndices))
	sem := make(chan struct{}, opts.NumProcesses)
	var wg sync.WaitGroup

dispatch:
	for pos, testIdx := range testIndices {
		pos, testIdx := pos, testIdx

		select {
		case <-ctx.Done():
			results[pos] = FoldResult{TestFile: files[testIdx].Path, Err: ctx.Err()}
			continue dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			fold := h.runFold(files, testIdx, opts)
			results[pos] = fold
			if fold.Err != nil {
				log.Printf("evalharness: fold %s failed: %v", fold.TestFile, fold.Err)
			}

			if h.DB != nil {
				if err := h.DB.InsertFoldResult(runUUID, fold.TestFile, fold.TrueSteps, fold.RawSteps, fold.ViterbiSteps, fold.Err); err != nil {
					log.Printf("evalharness: failed to persist fold result for %s: %v", fold.TestFile, err)
				}
			}
		}()
	}
	wg.Wait()

	if h.DB != nil {
		status := "completed"
		for _, r := range results {
			if r.Err != nil {
				status = "completed_with_errors"
				break
			}
		}
		if err := h.DB.CompleteRun(runUUID, status); err != nil {
			log.Printf("evalharness: failed to mark run %s complete: %v", runUUID, err)
		}
	}

	return Results{Folds: results}, nil
}

// runFold executes one leave-one-out fold: files[testIdx] is held out as
// the test trace, and every other file is eligible for training, further
// split 80/20 into train/validation with a fold-specific fixed seed so
// repeated runs over the same files are deterministic regardless of
// worker-pool scheduling order.
func (h *Harness) runFold(files []TraceFile, testIdx int, opts Options) FoldResult {
	testFile := files[testIdx]

	var trainValIdx []int
	for i := range files {
		if i != testIdx {
			trainValIdx = append(trainValIdx, i)
		}
	}

	foldSeed := opts.RandomSeed + int64(testIdx)
	trainIdx, valIdx := splitTrainVal(trainValIdx, opts.ValidationSplit, foldSeed)

	numClasses := len(h.StepNames)

	trainPaths := make([]string, len(trainIdx))
	var XTrain [][]float64
	var yTrain []int
	for j, idx := range trainIdx {
		trainPaths[j] = files[idx].Path
		X, y := h.loadLabeled(files[idx].Trace)
		XTrain = append(XTrain, X...)
		yTrain = append(yTrain, y...)
	}

	var XVal [][]float64
	var yVal []int
	for _, idx := range valIdx {
		X, y := h.loadLabeled(files[idx].Trace)
		XVal = append(XVal, X...)
		yVal = append(yVal, y...)
	}

	XTrain, yTrain = classifier.EnsureAllClasses(XTrain, yTrain, numClasses)

	key := classifier.Key(trainPaths)
	forest := &classifier.RandomForest{Seed: foldSeed}
	clf, err := h.Cache.FitCached(key, XTrain, yTrain, forest)
	if err != nil {
		return FoldResult{TestFile: testFile.Path, Err: fmt.Errorf("evalharness: training classifier for %s: %w", testFile.Path, err)}
	}

	if h.DB != nil {
		if err := h.DB.RecordCacheUse(key, h.Cache.Path(key)); err != nil {
			log.Printf("evalharness: failed to record cache use for %s: %v", key, err)
		}
	}

	CM, err := classifier.ConfusionProbabilities(clf, XVal, yVal, numClasses)
	if err != nil {
		return FoldResult{TestFile: testFile.Path, Err: fmt.Errorf("evalharness: computing confusion matrix for %s: %w", testFile.Path, err)}
	}

	XTest, yTest := h.loadLabeled(testFile.Trace)
	if len(XTest) == 0 {
		return FoldResult{TestFile: testFile.Path, Err: fmt.Errorf("evalharness: %s has no labeled frames to test on", testFile.Path)}
	}

	proba, err := clf.PredictProba(XTest)
	if err != nil {
		return FoldResult{TestFile: testFile.Path, Err: fmt.Errorf("evalharness: scoring %s: %w", testFile.Path, err)}
	}

	observations := transposeProba(proba, numClasses)
	rawPred := argmaxRows(proba)
	oracle := buildOracle(yTest, opts.OracleStepIndices)

	// A fresh Tracker per fold: its trellis depends only on the graph and
	// maxTime, but its entries/state are mutated in place by
	// Initialize/Forward and cannot be shared across concurrent folds.
	tracker := procedure.NewTracker(h.Graph, opts.MaxTime, opts.StartStepIndices)
	steps, err := tracker.Predict(observations, CM, oracle)
	if err != nil {
		return FoldResult{TestFile: testFile.Path, Err: fmt.Errorf("evalharness: tracking %s: %w", testFile.Path, err)}
	}

	numFrames := len(steps)
	trueSteps := make([][]int, numFrames)
	rawSteps := make([][]int, numFrames)
	viterbiSteps := make([][]int, numFrames)
	for t := 0; t < numFrames; t++ {
		trueSteps[t] = append([]int(nil), yTest[:t+1]...)
		rawSteps[t] = append([]int(nil), rawPred[:t+1]...)
		viterbiSteps[t] = steps[t].History
	}

	return FoldResult{
		TestFile:     testFile.Path,
		TrueSteps:    trueSteps,
		RawSteps:     rawSteps,
		ViterbiSteps: viterbiSteps,
	}
}

// loadLabeled filters a trace to its labeled, non-padding frames and maps
// label strings to the taxonomy's dense indices. Labels not present in
// the taxonomy (the source's 'clap'/'14' padding literals) are dropped
// alongside 'Other', which FilterOtherFrames already removes.
func (h *Harness) loadLabeled(trace ingest.Trace) ([][]float64, []int) {
	X, labels := ingest.FilterOtherFrames(trace)

	outX := make([][]float64, 0, len(X))
	outY := make([]int, 0, len(X))
	for i, label := range labels {
		idx, ok := h.StepIndex[label]
		if !ok {
			continue
		}
		outX = append(outX, X[i])
		outY = append(outY, idx)
	}
	return outX, outY
}

// splitTrainVal shuffles indices with a seeded source and splits them
// 80/20 (or whatever validationSplit specifies), mirroring sklearn's
// train_test_split(..., random_state=shuffler). At least one index is
// kept on each side when more than one is available.
func splitTrainVal(indices []int, validationSplit float64, seed int64) (train, val []int) {
	shuffled := append([]int(nil), indices...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	n := len(shuffled)
	valCount := int(math.Round(float64(n) * validationSplit))
	if valCount < 1 && n > 1 {
		valCount = 1
	}
	if valCount >= n {
		valCount = n - 1
	}
	if valCount < 0 {
		valCount = 0
	}

	val = shuffled[:valCount]
	train = shuffled[valCount:]
	return train, val
}

// buildOracle finds the start frame of every run of each designated
// oracle step index within yTrue, i.e. the cumulative positions over the
// run-length decomposition of yTrue restricted to those steps. Mirrors
// the source's groupby-based oracle dict construction in obtain_predictions.
func buildOracle(yTrue []int, oracleStepIndices []int) procedure.Oracle {
	if len(oracleStepIndices) == 0 {
		return nil
	}

	want := make(map[int]bool, len(oracleStepIndices))
	for _, k := range oracleStepIndices {
		want[k] = true
	}

	oracle := make(procedure.Oracle)
	for t, label := range yTrue {
		if !want[label] {
			continue
		}
		if t == 0 || yTrue[t-1] != label {
			oracle[label] = append(oracle[label], t)
		}
	}
	return oracle
}

// transposeProba reshapes a (T, numClasses) probability matrix into the
// (numClasses, T) shape Tracker.Predict expects.
func transposeProba(proba [][]float64, numClasses int) [][]float64 {
	out := make([][]float64, numClasses)
	for c := range out {
		out[c] = make([]float64, len(proba))
	}
	for frame, row := range proba {
		for c, p := range row {
			out[c][frame] = p
		}
	}
	return out
}

// argmaxRows returns the index of the largest entry in each row.
func argmaxRows(proba [][]float64) []int {
	out := make([]int, len(proba))
	for i, row := range proba {
		best, bestIdx := -1.0, 0
		for c, p := range row {
			if p > best {
				best, bestIdx = p, c
			}
		}
		out[i] = bestIdx
	}
	return out
}

// hasAuthorsSuffix reports whether path's file stem (name without
// extension) ends with suffix, the marker that excludes a trace from
// test sets.
func hasAuthorsSuffix(path, suffix string) bool {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.HasSuffix(stem, suffix)
}
