package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/velocity.report/internal/fsutil"
)

func writeFile(t *testing.T, fs fsutil.FileSystem, path, content string) {
	t.Helper()
	require.NoError(t, fs.WriteFile(path, []byte(content), 0644))
}

func TestLoadTrace_Basic(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/p1.json", `{
		"participant": "p1",
		"imu": [[1,2],[3,4]],
		"audio": [[0.1],[0.2]],
		"labels": ["A","B"],
		"timestamp_ms": [0,500]
	}`)

	trace, err := LoadTrace(fs, "/p1.json")
	require.NoError(t, err)
	require.Equal(t, "p1", trace.Participant)
	require.Len(t, trace.IMU, 2)
	require.Equal(t, []string{"A", "B"}, trace.Labels)
}

func TestLoadTrace_MismatchedFrameCounts(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/bad.json", `{
		"participant": "p1",
		"imu": [[1,2]],
		"audio": [[0.1],[0.2]],
		"labels": ["A","B"]
	}`)

	_, err := LoadTrace(fs, "/bad.json")
	require.Error(t, err)
}

func TestLoadTrace_MissingFile(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	_, err := LoadTrace(fs, "/missing.json")
	require.Error(t, err)
}

func TestFilterOtherFrames_DropsOtherAndStacks(t *testing.T) {
	trace := Trace{
		IMU:    [][]float64{{1, 2}, {3, 4}, {5, 6}},
		Audio:  [][]float64{{0.1}, {0.2}, {0.3}},
		Labels: []string{"A", "Other", "B"},
	}

	X, y := FilterOtherFrames(trace)
	require.Equal(t, []string{"A", "B"}, y)
	require.Equal(t, [][]float64{{1, 2, 0.1}, {5, 6, 0.3}}, X)
}

func TestLoadClassTaxonomy_DashSeparated(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/classes.txt", "task1 - Opening Box\ntask2 - Closing Box\n")

	classes, err := LoadClassTaxonomy(fs, "/classes.txt")
	require.NoError(t, err)
	require.Equal(t, "Opening Box", classes["task1 - Opening Box"])
	require.Equal(t, "Closing Box", classes["task2 - Closing Box"])
}

func TestLoadClassTaxonomy_CommaSeparated(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/classes.txt", "task1,Opening Box\ntask2,Closing Box\n")

	classes, err := LoadClassTaxonomy(fs, "/classes.txt")
	require.NoError(t, err)
	require.Equal(t, "Opening Box", classes["task1"])
	require.Equal(t, "Closing Box", classes["task2"])
}

func TestLoadAnnotations_ForwardFillsParticipant(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/annotation.csv",
		"Participant,Timestamp,Task\np1,0,clap\n,500,A\n,1000,B\np2,0,clap\n,600,A\n")

	rows, err := LoadAnnotations(fs, "/annotation.csv")
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "p1", rows[1].Participant)
	require.Equal(t, "p1", rows[2].Participant)
	require.Equal(t, "p2", rows[3].Participant)
	require.Equal(t, "p2", rows[4].Participant)
}

func TestLoadAnnotations_MissingColumn(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/bad.csv", "Participant,Task\np1,clap\n")

	_, err := LoadAnnotations(fs, "/bad.csv")
	require.Error(t, err)
}

func TestLoadClapTimes_Basic(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	writeFile(t, fs, "/clap_times.csv", "pid,time_ms\np1,1234\np2,5678\n")

	claps, err := LoadClapTimes(fs, "/clap_times.csv")
	require.NoError(t, err)
	require.InDelta(t, 1234.0, claps["p1"], 1e-9)
	require.InDelta(t, 5678.0, claps["p2"], 1e-9)
}

func TestOverwriteOtherLabels_FillsFromPrevious(t *testing.T) {
	labels := []string{"A", "Other", "Other", "B", "Other"}
	out, err := OverwriteOtherLabels(labels)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "A", "A", "B", "B"}, out)
}

func TestOverwriteOtherLabels_RejectsLeadingOther(t *testing.T) {
	_, err := OverwriteOtherLabels([]string{"Other", "A"})
	require.Error(t, err)
}

func TestOverwriteOtherLabels_Empty(t *testing.T) {
	out, err := OverwriteOtherLabels(nil)
	require.NoError(t, err)
	require.Nil(t, out)
}
