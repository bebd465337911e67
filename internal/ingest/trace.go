// Package ingest loads per-participant traces, the canonical step
// taxonomy, and annotation/clap-time sidecar files used to build and
// evaluate a procedure graph.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/velocity.report/internal/fsutil"
)

// Trace is one participant's recorded IMU/audio session: one row per
// frame, with a ground-truth step label per frame. It is the Go analogue
// of the source's per-participant pickle payload.
type Trace struct {
	Participant string      `json:"participant"`
	IMU         [][]float64 `json:"imu"`          // F x D_imu
	Audio       [][]float64 `json:"audio"`        // F x D_audio
	Labels      []string    `json:"labels"`       // length F
	TimestampMs []float64   `json:"timestamp_ms"` // length F, ms from clap
}

// LoadTrace parses a per-participant JSON trace file.
func LoadTrace(fs fsutil.FileSystem, path string) (Trace, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return Trace{}, fmt.Errorf("ingest: reading trace %s: %w", path, err)
	}

	var trace Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return Trace{}, fmt.Errorf("ingest: parsing trace %s: %w", path, err)
	}

	if len(trace.IMU) != len(trace.Labels) || len(trace.Audio) != len(trace.Labels) {
		return Trace{}, fmt.Errorf("ingest: trace %s has mismatched frame counts: imu=%d audio=%d labels=%d",
			path, len(trace.IMU), len(trace.Audio), len(trace.Labels))
	}

	return trace, nil
}

// FilterOtherFrames drops frames labeled "Other" (annotation padding
// between tasks) and horizontally stacks IMU and audio features into one
// feature matrix, per the source's load_imu_and_audio_data.
func FilterOtherFrames(trace Trace) (X [][]float64, y []string) {
	for i, label := range trace.Labels {
		if label == "Other" {
			continue
		}
		row := make([]float64, 0, len(trace.IMU[i])+len(trace.Audio[i]))
		row = append(row, trace.IMU[i]...)
		row = append(row, trace.Audio[i]...)
		X = append(X, row)
		y = append(y, label)
	}
	return X, y
}

// LoadClassTaxonomy parses classes.txt: each line is either a bare
// "label - canonical name" string (canonical name is the text after the
// last " - ") or a "label,canonical" CSV pair. Grounded on
// preprocessing/annotation.py's load_classes_dict.
func LoadClassTaxonomy(fs fsutil.FileSystem, path string) (map[string]string, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: reading taxonomy %s: %w", path, err)
	}

	classes := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, ",", 2)
		if len(parts) == 1 {
			label := strings.TrimSpace(parts[0])
			segments := strings.Split(label, " - ")
			classes[label] = strings.TrimSpace(segments[len(segments)-1])
			continue
		}

		label := strings.TrimSpace(parts[0])
		classes[label] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ingest: scanning taxonomy %s: %w", path, err)
	}

	return classes, nil
}

// ParticipantAnnotation is one row of the annotation CSV after the
// Participant column has been forward-filled.
type ParticipantAnnotation struct {
	Participant string
	TimestampMs float64
	Task        string
}

// LoadAnnotations parses the annotation CSV (header: Participant,
// Timestamp, Task), forward-filling blank Participant cells from the
// last non-blank value above them — the Go analogue of pandas'
// df.ffill() in load_annotations_dict.
func LoadAnnotations(fs fsutil.FileSystem, path string) ([]ParticipantAnnotation, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: reading annotations %s: %w", path, err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: parsing annotations %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	colIndex := func(name string) int {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i
			}
		}
		return -1
	}
	participantCol, timestampCol, taskCol := colIndex("Participant"), colIndex("Timestamp"), colIndex("Task")
	if participantCol < 0 || timestampCol < 0 || taskCol < 0 {
		return nil, fmt.Errorf("ingest: annotations %s missing required columns", path)
	}

	var out []ParticipantAnnotation
	lastParticipant := ""
	for _, row := range records[1:] {
		participant := strings.TrimSpace(row[participantCol])
		if participant == "" {
			participant = lastParticipant
		} else {
			lastParticipant = participant
		}

		ts, err := strconv.ParseFloat(strings.TrimSpace(row[timestampCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("ingest: annotations %s has invalid timestamp %q: %w", path, row[timestampCol], err)
		}

		out = append(out, ParticipantAnnotation{
			Participant: participant,
			TimestampMs: ts,
			Task:        strings.TrimSpace(row[taskCol]),
		})
	}

	return out, nil
}

// OverwriteOtherLabels replaces every "Other" label with the nearest
// preceding non-"Other" label, matching the source's
// overwrite_other_labels. The caller must have already trimmed any
// leading "Other" run, since there is no prior label to fall back on.
func OverwriteOtherLabels(labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	if labels[0] == "Other" {
		return nil, fmt.Errorf("ingest: OverwriteOtherLabels requires a non-Other first label")
	}

	out := make([]string, len(labels))
	prev := labels[0]
	for i, label := range labels {
		if label != "Other" {
			prev = label
		}
		out[i] = prev
	}
	return out, nil
}

// LoadClapTimes parses clap_times.csv: a header row followed by
// "participant,time_ms" pairs mapping participant ID to clap timestamp.
func LoadClapTimes(fs fsutil.FileSystem, path string) (map[string]float64, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: reading clap times %s: %w", path, err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ingest: parsing clap times %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	claps := make(map[string]float64, len(records)-1)
	for _, row := range records[1:] {
		if len(row) < 2 {
			continue
		}
		pid := strings.TrimSpace(row[0])
		ms, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("ingest: clap time for %q is not numeric: %w", pid, err)
		}
		claps[pid] = ms
	}

	return claps, nil
}
