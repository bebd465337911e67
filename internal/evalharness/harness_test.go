package evalharness

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/banshee-data/velocity.report/internal/classifier"
	"github.com/banshee-data/velocity.report/internal/fsutil"
	"github.com/banshee-data/velocity.report/internal/ingest"
	"github.com/banshee-data/velocity.report/internal/procedure"
	"github.com/banshee-data/velocity.report/internal/resultsdb"
)

// chainGraph is a minimal three-step procedure: Begin -> A -> End.
func chainGraph(t *testing.T) *procedure.Graph {
	t.Helper()
	steps := []procedure.Step{
		{Index: 0, Name: "Begin", MeanTime: 3, StdTime: 1},
		{Index: 1, Name: "A", MeanTime: 4, StdTime: 1},
		{Index: 2, Name: "End", MeanTime: 3, StdTime: 1},
	}
	edges := map[int]map[int]float64{
		0: {1: 1.0},
		1: {2: 1.0},
	}
	g, err := procedure.NewGraph(steps, edges)
	if err != nil {
		t.Fatalf("NewGraph failed: %v", err)
	}
	return g
}

// clusterValue returns a well-separated 1-D feature value per label so a
// decision tree forest can split the classes cleanly.
func clusterValue(label string) float64 {
	switch label {
	case "Begin":
		return 0.0
	case "A":
		return 5.0
	case "End":
		return 10.0
	}
	return -1.0
}

func buildTrace(participant string, labels []string, offset float64) ingest.Trace {
	imu := make([][]float64, len(labels))
	audio := make([][]float64, len(labels))
	ts := make([]float64, len(labels))
	for i, label := range labels {
		imu[i] = []float64{clusterValue(label) + offset}
		audio[i] = []float64{}
		ts[i] = float64(i * 10)
	}
	return ingest.Trace{Participant: participant, IMU: imu, Audio: audio, Labels: labels, TimestampMs: ts}
}

func sampleLabels() []string {
	return []string{
		"Begin", "Begin", "Begin",
		"A", "A", "A", "A",
		"End", "End", "End",
	}
}

func sampleFiles() []TraceFile {
	return []TraceFile{
		{Path: "p1.json", Trace: buildTrace("p1", sampleLabels(), 0.0)},
		{Path: "p2.json", Trace: buildTrace("p2", sampleLabels(), 0.02)},
		{Path: "p3.json", Trace: buildTrace("p3", sampleLabels(), -0.02)},
		{Path: "p4.json", Trace: buildTrace("p4", sampleLabels(), 0.01)},
	}
}

func newTestHarness(t *testing.T) *Harness {
	t.Helper()
	cache, err := classifier.NewCache(fsutil.NewMemoryFileSystem(), "caches")
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	return NewHarness(chainGraph(t), []string{"Begin", "A", "End"}, cache, nil)
}

func TestHarness_RunProducesOneFoldPerFile(t *testing.T) {
	h := newTestHarness(t)
	files := sampleFiles()

	results, err := h.Run(context.Background(), files, Options{MaxTime: 20, NumProcesses: 2, RandomSeed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results.Folds) != len(files) {
		t.Fatalf("got %d folds, want %d", len(results.Folds), len(files))
	}

	for _, fold := range results.Folds {
		if fold.Err != nil {
			t.Errorf("fold %s failed: %v", fold.TestFile, fold.Err)
			continue
		}
		numFrames := len(sampleLabels())
		if len(fold.ViterbiSteps) != numFrames {
			t.Errorf("fold %s: got %d viterbi steps, want %d", fold.TestFile, len(fold.ViterbiSteps), numFrames)
		}
		if len(fold.TrueSteps) != numFrames || len(fold.TrueSteps[numFrames-1]) != numFrames {
			t.Errorf("fold %s: true-step prefixes not frame-aligned", fold.TestFile)
		}
		if len(fold.RawSteps) != numFrames || len(fold.RawSteps[numFrames-1]) != numFrames {
			t.Errorf("fold %s: raw-step prefixes not frame-aligned", fold.TestFile)
		}
	}
}

func TestHarness_AuthorsSuffixExcludedFromTestSet(t *testing.T) {
	h := newTestHarness(t)
	files := sampleFiles()
	files = append(files, TraceFile{Path: "p5-authors.json", Trace: buildTrace("p5", sampleLabels(), 0.0)})

	results, err := h.Run(context.Background(), files, Options{MaxTime: 20, NumProcesses: 2, RandomSeed: 1})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results.Folds) != len(files)-1 {
		t.Fatalf("got %d folds, want %d (authors file excluded)", len(results.Folds), len(files)-1)
	}
	for _, fold := range results.Folds {
		if fold.TestFile == "p5-authors.json" {
			t.Errorf("authors-suffixed file %s was used as a test fold", fold.TestFile)
		}
	}
}

// TestHarness_RepeatedRunIsDeterministicViaCache exercises scenario E5:
// a second Run over the same files and options, against the same
// Harness (and therefore the same classifier cache), reuses every fold's
// cached classifier instead of refitting, so its output is byte-for-byte
// identical to the first run.
func TestHarness_RepeatedRunIsDeterministicViaCache(t *testing.T) {
	h := newTestHarness(t)
	files := sampleFiles()
	opts := Options{MaxTime: 20, NumProcesses: 2, RandomSeed: 7}

	first, err := h.Run(context.Background(), files, opts)
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := h.Run(context.Background(), files, opts)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	firstByFile := foldsByFile(first)
	secondByFile := foldsByFile(second)
	for file, a := range firstByFile {
		b, ok := secondByFile[file]
		if !ok {
			t.Fatalf("second run missing fold for %s", file)
		}
		if !reflect.DeepEqual(a.ViterbiSteps, b.ViterbiSteps) {
			t.Errorf("fold %s: viterbi steps differ between runs", file)
		}
		if !reflect.DeepEqual(a.TrueSteps, b.TrueSteps) {
			t.Errorf("fold %s: true steps differ between runs", file)
		}
	}
}

func foldsByFile(r Results) map[string]FoldResult {
	out := make(map[string]FoldResult, len(r.Folds))
	for _, f := range r.Folds {
		out[f.TestFile] = f
	}
	return out
}

func TestHarness_RunRecordsClassifierCacheUse(t *testing.T) {
	cache, err := classifier.NewCache(fsutil.NewMemoryFileSystem(), "caches")
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "results.db")
	db, err := resultsdb.NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	defer db.Close()

	h := NewHarness(chainGraph(t), []string{"Begin", "A", "End"}, cache, db)
	files := sampleFiles()

	if _, err := h.Run(context.Background(), files, Options{MaxTime: 20, NumProcesses: 2, RandomSeed: 1}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM classifier_cache`).Scan(&count); err != nil {
		t.Fatalf("querying classifier_cache: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one classifier_cache row to be recorded")
	}
}

func TestSplitTrainVal_RespectsRatio(t *testing.T) {
	indices := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	train, val := splitTrainVal(indices, 0.2, 42)
	if len(val) != 2 {
		t.Errorf("len(val) = %d, want 2", len(val))
	}
	if len(train) != 8 {
		t.Errorf("len(train) = %d, want 8", len(train))
	}
}

func TestSplitTrainVal_DeterministicForSameSeed(t *testing.T) {
	indices := []int{0, 1, 2, 3, 4, 5}
	train1, val1 := splitTrainVal(indices, 0.2, 99)
	train2, val2 := splitTrainVal(indices, 0.2, 99)
	if !reflect.DeepEqual(train1, train2) || !reflect.DeepEqual(val1, val2) {
		t.Error("splitTrainVal produced different results for the same seed")
	}
}

func TestSplitTrainVal_SingleIndexStaysInTrain(t *testing.T) {
	train, val := splitTrainVal([]int{5}, 0.2, 1)
	if len(val) != 0 {
		t.Errorf("len(val) = %d, want 0 for a single index", len(val))
	}
	if len(train) != 1 || train[0] != 5 {
		t.Errorf("train = %v, want [5]", train)
	}
}

func TestBuildOracle_EmptyWhenNoStepsRequested(t *testing.T) {
	oracle := buildOracle([]int{0, 0, 1, 1, 2}, nil)
	if oracle != nil {
		t.Errorf("buildOracle with no requested steps = %v, want nil", oracle)
	}
}

func TestBuildOracle_FindsRunStartFrames(t *testing.T) {
	yTrue := []int{0, 0, 1, 1, 1, 0, 2, 2}
	oracle := buildOracle(yTrue, []int{1, 2})

	if got := oracle[1]; !reflect.DeepEqual(got, []int{2}) {
		t.Errorf("oracle[1] = %v, want [2]", got)
	}
	if got := oracle[2]; !reflect.DeepEqual(got, []int{6}) {
		t.Errorf("oracle[2] = %v, want [6]", got)
	}
	if _, ok := oracle[0]; ok {
		t.Error("oracle should not contain step 0, it was not requested")
	}
}

func TestBuildOracle_RepeatedRunsRecordEachStart(t *testing.T) {
	yTrue := []int{1, 1, 0, 1, 1}
	oracle := buildOracle(yTrue, []int{1})
	if got := oracle[1]; !reflect.DeepEqual(got, []int{0, 3}) {
		t.Errorf("oracle[1] = %v, want [0 3]", got)
	}
}

func TestHasAuthorsSuffix_MatchesStem(t *testing.T) {
	if !hasAuthorsSuffix("/data/p1-authors.json", "-authors") {
		t.Error("expected p1-authors.json to match -authors suffix")
	}
	if hasAuthorsSuffix("/data/p1.json", "-authors") {
		t.Error("expected p1.json not to match -authors suffix")
	}
}

func TestArgmaxRows(t *testing.T) {
	proba := [][]float64{{0.1, 0.8, 0.1}, {0.6, 0.3, 0.1}}
	got := argmaxRows(proba)
	want := []int{1, 0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argmaxRows = %v, want %v", got, want)
	}
}

func TestTransposeProba(t *testing.T) {
	proba := [][]float64{{1, 2, 3}, {4, 5, 6}}
	got := transposeProba(proba, 3)
	want := [][]float64{{1, 4}, {2, 5}, {3, 6}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("transposeProba = %v, want %v", got, want)
	}
}
