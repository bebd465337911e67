// Package classifier adapts a fit/predict_proba style estimator to the
// tracker's confusion-matrix requirements, plus a disk cache for fitted
// models keyed on the training data that produced them.
package classifier

import "fmt"

// Classifier is the Go analogue of the duck-typed fit/predict_proba
// contract: any estimator implementing it can drive ConfusionProbabilities
// and feed a Tracker's observation likelihoods.
type Classifier interface {
	// Fit trains the classifier on feature rows X against integer labels
	// y (one per row). X and y must have the same length.
	Fit(X [][]float64, y []int) error

	// PredictProba returns, for each row of X, a probability distribution
	// over classes in class-index order.
	PredictProba(X [][]float64) ([][]float64, error)

	// NumClasses returns the number of classes the classifier was fit
	// against.
	NumClasses() int
}

// Predict returns the most probable class index for each row, derived
// from PredictProba.
func Predict(clf Classifier, X [][]float64) ([]int, error) {
	proba, err := clf.PredictProba(X)
	if err != nil {
		return nil, err
	}

	out := make([]int, len(proba))
	for i, row := range proba {
		best, bestIdx := -1.0, 0
		for classIdx, p := range row {
			if p > best {
				best, bestIdx = p, classIdx
			}
		}
		out[i] = bestIdx
	}
	return out, nil
}

// EnsureAllClasses pads X and y with one zero-feature row per class that
// never appears in y, so a fitted Classifier always knows about every
// class in the taxonomy even when a training fold happens to omit one.
// Mirrors the source's train_classifier dummy-row padding.
func EnsureAllClasses(X [][]float64, y []int, numClasses int) ([][]float64, []int) {
	seen := make([]bool, numClasses)
	for _, label := range y {
		if label >= 0 && label < numClasses {
			seen[label] = true
		}
	}

	numFeatures := 0
	if len(X) > 0 {
		numFeatures = len(X[0])
	}

	outX := append([][]float64(nil), X...)
	outY := append([]int(nil), y...)
	for class, ok := range seen {
		if ok {
			continue
		}
		outX = append(outX, make([]float64, numFeatures))
		outY = append(outY, class)
	}
	return outX, outY
}

// ConfusionProbabilities fits clf's predictions against the true labels y
// and returns a row-normalized confusion matrix: row i is the observation
// distribution produced when the true class is i. A row with zero support
// is left at all zeros rather than normalized.
func ConfusionProbabilities(clf Classifier, X [][]float64, y []int, numClasses int) ([][]float64, error) {
	if len(X) != len(y) {
		return nil, fmt.Errorf("classifier: X has %d rows but y has %d labels", len(X), len(y))
	}

	predicted, err := Predict(clf, X)
	if err != nil {
		return nil, err
	}

	counts := make([][]float64, numClasses)
	for i := range counts {
		counts[i] = make([]float64, numClasses)
	}

	for i, trueClass := range y {
		if trueClass < 0 || trueClass >= numClasses {
			return nil, fmt.Errorf("classifier: label %d out of range [0,%d)", trueClass, numClasses)
		}
		counts[trueClass][predicted[i]]++
	}

	for _, row := range counts {
		total := 0.0
		for _, c := range row {
			total += c
		}
		if total == 0 {
			// Leave a zero-support row at zero rather than normalizing: the
			// tracker reads log(0) = -Inf from it as "no mass", not full
			// self-confidence. begin/end never appear in a trace's labels,
			// so this path is always exercised for the sentinel steps.
			continue
		}
		for j := range row {
			row[j] /= total
		}
	}

	return counts, nil
}
