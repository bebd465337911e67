package classifier

import (
	"math"
	"sort"
)

// decisionTree is a CART-style binary tree over numeric features, split
// by Gini impurity. It is the base learner bagged by RandomForest.
type decisionTree struct {
	root       *treeNode
	numClasses int
	maxDepth   int
	minSplit   int
	numFeats   int // number of features sampled per split (0 = all)
	rng        *lockedRand
}

// treeNode's fields are exported so the gob encoder can serialize fitted
// trees into the classifier cache (cache.go); the type itself stays
// package-private since nothing outside classifier constructs one
// directly.
type treeNode struct {
	IsLeaf    bool
	ClassDist []float64 // leaf-only: class counts normalized to a distribution

	Feature   int
	Threshold float64
	Left      *treeNode
	Right     *treeNode
}

func newDecisionTree(numClasses, maxDepth, minSplit, numFeats int, rng *lockedRand) *decisionTree {
	return &decisionTree{
		numClasses: numClasses,
		maxDepth:   maxDepth,
		minSplit:   minSplit,
		numFeats:   numFeats,
		rng:        rng,
	}
}

func (d *decisionTree) fit(X [][]float64, y []int) {
	idx := make([]int, len(X))
	for i := range idx {
		idx[i] = i
	}
	d.root = d.build(X, y, idx, 0)
}

func (d *decisionTree) build(X [][]float64, y []int, idx []int, depth int) *treeNode {
	if len(idx) == 0 {
		return &treeNode{IsLeaf: true, ClassDist: uniformDist(d.numClasses)}
	}

	if depth >= d.maxDepth || len(idx) < d.minSplit || isPure(y, idx) {
		return &treeNode{IsLeaf: true, ClassDist: classDistribution(y, idx, d.numClasses)}
	}

	feature, threshold, leftIdx, rightIdx, ok := d.bestSplit(X, y, idx)
	if !ok {
		return &treeNode{IsLeaf: true, ClassDist: classDistribution(y, idx, d.numClasses)}
	}

	return &treeNode{
		IsLeaf:    false,
		Feature:   feature,
		Threshold: threshold,
		Left:      d.build(X, y, leftIdx, depth+1),
		Right:     d.build(X, y, rightIdx, depth+1),
	}
}

// bestSplit scans a random subset of features (numFeats, or all if 0) and
// every observed threshold, picking the split minimizing weighted Gini
// impurity of the two children.
func (d *decisionTree) bestSplit(X [][]float64, y []int, idx []int) (feature int, threshold float64, left, right []int, ok bool) {
	numFeatures := len(X[idx[0]])
	candidates := d.candidateFeatures(numFeatures)

	bestScore := math.Inf(1)
	found := false

	for _, f := range candidates {
		thresholds := candidateThresholds(X, idx, f)
		for _, th := range thresholds {
			l, r := splitIndices(X, idx, f, th)
			if len(l) == 0 || len(r) == 0 {
				continue
			}
			score := weightedGini(y, l, r)
			if score < bestScore {
				bestScore = score
				feature, threshold, left, right = f, th, l, r
				found = true
			}
		}
	}

	return feature, threshold, left, right, found
}

func (d *decisionTree) candidateFeatures(numFeatures int) []int {
	if d.numFeats <= 0 || d.numFeats >= numFeatures {
		all := make([]int, numFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}

	perm := d.rng.Perm(numFeatures)
	return append([]int(nil), perm[:d.numFeats]...)
}

func candidateThresholds(X [][]float64, idx []int, feature int) []float64 {
	seen := make(map[float64]bool)
	var values []float64
	for _, i := range idx {
		v := X[i][feature]
		if !seen[v] {
			seen[v] = true
			values = append(values, v)
		}
	}
	if len(values) < 2 {
		return nil
	}

	sort.Float64s(values)
	thresholds := make([]float64, 0, len(values)-1)
	for i := 0; i < len(values)-1; i++ {
		thresholds = append(thresholds, (values[i]+values[i+1])/2)
	}
	return thresholds
}

func splitIndices(X [][]float64, idx []int, feature int, threshold float64) (left, right []int) {
	for _, i := range idx {
		if X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func weightedGini(y []int, left, right []int) float64 {
	n := float64(len(left) + len(right))
	return gini(y, left)*float64(len(left))/n + gini(y, right)*float64(len(right))/n
}

func gini(y []int, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, i := range idx {
		counts[y[i]]++
	}
	impurity := 1.0
	n := float64(len(idx))
	for _, c := range counts {
		p := float64(c) / n
		impurity -= p * p
	}
	return impurity
}

func isPure(y []int, idx []int) bool {
	if len(idx) == 0 {
		return true
	}
	first := y[idx[0]]
	for _, i := range idx[1:] {
		if y[i] != first {
			return false
		}
	}
	return true
}

func classDistribution(y []int, idx []int, numClasses int) []float64 {
	dist := make([]float64, numClasses)
	for _, i := range idx {
		dist[y[i]]++
	}
	total := float64(len(idx))
	if total == 0 {
		return uniformDist(numClasses)
	}
	for i := range dist {
		dist[i] /= total
	}
	return dist
}

func uniformDist(numClasses int) []float64 {
	dist := make([]float64, numClasses)
	if numClasses == 0 {
		return dist
	}
	p := 1.0 / float64(numClasses)
	for i := range dist {
		dist[i] = p
	}
	return dist
}

func (d *decisionTree) predictProba(x []float64) []float64 {
	n := d.root
	for !n.IsLeaf {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.ClassDist
}
