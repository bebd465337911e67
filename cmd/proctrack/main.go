// Command proctrack runs the leave-one-out evaluation harness over a
// directory of participant trace files and reports, per held-out trace,
// how often the raw per-frame classifier argmax and the Viterbi-tracked
// step sequence agree with the ground truth.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/velocity.report/internal/classifier"
	"github.com/banshee-data/velocity.report/internal/config"
	"github.com/banshee-data/velocity.report/internal/evalharness"
	"github.com/banshee-data/velocity.report/internal/fsutil"
	"github.com/banshee-data/velocity.report/internal/ingest"
	"github.com/banshee-data/velocity.report/internal/procedure"
	"github.com/banshee-data/velocity.report/internal/resultsdb"
)

func main() {
	tracesDir := flag.String("traces-dir", "", "Directory of per-participant trace JSON files (required)")
	stepsFlag := flag.String("steps", "", "Comma-separated canonical content step names, excluding begin/end (required)")
	classesPath := flag.String("classes", "", "Path to classes.txt mapping annotator labels to canonical step names (optional)")
	configPath := flag.String("config", "", "Path to a harness config JSON file (optional; defaults apply if omitted)")
	resultsDBPath := flag.String("results-db", "results.db", "Path to the SQLite results database")
	outputCSV := flag.String("output", "", "Summary CSV path (defaults to proctrack-<timestamp>.csv)")
	adminAddr := flag.String("admin-addr", "", "If set, serve the results admin UI (tailSQL) at this address after the run completes, until interrupted")
	flag.Parse()

	if *tracesDir == "" {
		log.Fatalf("-traces-dir is required")
	}
	if *stepsFlag == "" {
		log.Fatalf("-steps is required")
	}
	contentSteps := strings.Split(*stepsFlag, ",")
	steps := append([]string{"begin"}, append(contentSteps, "end")...)

	osfs := fsutil.OSFileSystem{}

	var taxonomy map[string]string
	if *classesPath != "" {
		var err error
		taxonomy, err = ingest.LoadClassTaxonomy(osfs, *classesPath)
		if err != nil {
			log.Fatalf("loading class taxonomy: %v", err)
		}
	}

	tracePaths, err := filepath.Glob(filepath.Join(*tracesDir, "*.json"))
	if err != nil {
		log.Fatalf("globbing trace files: %v", err)
	}
	if len(tracePaths) == 0 {
		log.Fatalf("no trace files found in %s", *tracesDir)
	}
	log.Printf("found %d trace files in %s", len(tracePaths), *tracesDir)

	files := make([]evalharness.TraceFile, 0, len(tracePaths))
	labelledTraces := make([]procedure.LabelledTrace, 0, len(tracePaths))
	for _, path := range tracePaths {
		trace, err := ingest.LoadTrace(osfs, path)
		if err != nil {
			log.Fatalf("loading trace %s: %v", path, err)
		}
		if taxonomy != nil {
			trace.Labels = canonicalizeLabels(trace.Labels, taxonomy)
		}
		files = append(files, evalharness.TraceFile{Path: path, Trace: trace})
		labelledTraces = append(labelledTraces, procedure.LabelledTrace{Labels: dropOtherLabels(trace.Labels)})
	}

	graph, err := procedure.BuildGraph(labelledTraces, steps)
	if err != nil {
		log.Fatalf("building procedure graph: %v", err)
	}
	log.Printf("built graph with %d steps", len(graph.Steps))

	var cfg *config.HarnessConfig
	if *configPath != "" {
		cfg, err = config.LoadHarnessConfig(*configPath)
		if err != nil {
			log.Fatalf("loading harness config: %v", err)
		}
	} else {
		cfg = &config.HarnessConfig{}
	}

	cache, err := classifier.NewCache(osfs, cfg.GetCacheDir())
	if err != nil {
		log.Fatalf("creating classifier cache: %v", err)
	}

	db, err := resultsdb.NewDB(*resultsDBPath)
	if err != nil {
		log.Fatalf("opening results database: %v", err)
	}
	defer db.Close()

	harness := evalharness.NewHarness(graph, steps, cache, db)
	opts := evalharness.Options{
		MaxTime:           cfg.GetMaxTime(),
		StartStepIndices:  cfg.StartStepIndices,
		OracleStepIndices: cfg.OracleStepIndices,
		NumProcesses:      cfg.GetNumProcesses(),
		AuthorsSuffix:     cfg.GetAuthorsSuffix(),
		ValidationSplit:   cfg.GetValidationSplit(),
		RandomSeed:        cfg.GetRandomSeed(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	results, err := harness.Run(ctx, files, opts)
	if err != nil {
		log.Fatalf("running evaluation harness: %v", err)
	}
	log.Printf("harness completed %d folds in %s", len(results.Folds), time.Since(start))

	csvPath := *outputCSV
	if csvPath == "" {
		csvPath = fmt.Sprintf("proctrack-%s.csv", time.Now().Format("20060102-150405"))
	}
	if err := writeSummary(csvPath, results); err != nil {
		log.Fatalf("writing summary CSV: %v", err)
	}
	log.Printf("summary written to %s", csvPath)

	if *adminAddr != "" {
		mux := http.NewServeMux()
		db.AttachAdminRoutes(mux)
		log.Printf("serving results admin UI on %s (ctrl-c to exit)", *adminAddr)
		server := &http.Server{Addr: *adminAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("admin server failed: %v", err)
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin server shutdown error: %v", err)
		}
	}
}

// canonicalizeLabels maps each frame's raw annotator label through the
// taxonomy, leaving non-step padding literals ("Other", "clap", "14")
// and any label absent from the taxonomy unchanged.
func canonicalizeLabels(labels []string, taxonomy map[string]string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		if canonical, ok := taxonomy[l]; ok {
			out[i] = canonical
		} else {
			out[i] = l
		}
	}
	return out
}

// dropOtherLabels removes "Other" padding frames before graph
// construction, mirroring ingest.FilterOtherFrames's trimming for
// classifier features.
func dropOtherLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "Other" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// writeSummary writes one row per fold: the held-out file, its frame
// count, and the raw-argmax vs Viterbi-tracked final-frame accuracy
// against ground truth.
func writeSummary(path string, results evalharness.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"test_file", "frames", "raw_accuracy", "viterbi_accuracy", "error"}); err != nil {
		return err
	}

	for _, fold := range results.Folds {
		if fold.Err != nil {
			if err := w.Write([]string{fold.TestFile, "0", "", "", fold.Err.Error()}); err != nil {
				return err
			}
			continue
		}

		n := len(fold.TrueSteps)
		var rawAcc, viterbiAcc float64
		if n > 0 {
			trueFinal := fold.TrueSteps[n-1]
			rawAcc = accuracy(trueFinal, fold.RawSteps[n-1])
			viterbiAcc = accuracy(trueFinal, fold.ViterbiSteps[n-1])
		}

		row := []string{
			fold.TestFile,
			fmt.Sprintf("%d", n),
			fmt.Sprintf("%.4f", rawAcc),
			fmt.Sprintf("%.4f", viterbiAcc),
			"",
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func accuracy(truth, pred []int) float64 {
	if len(truth) == 0 || len(truth) != len(pred) {
		return 0
	}
	matches := 0
	for i := range truth {
		if truth[i] == pred[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(truth))
}
