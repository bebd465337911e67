package classifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"
	"sort"

	"github.com/banshee-data/velocity.report/internal/fsutil"
)

// cachedForest is the gob-serializable snapshot of a fitted RandomForest:
// only the tree topology needed for PredictProba, not the fitting
// parameters (maxDepth, minSplit, rng) that only matter during Fit.
type cachedForest struct {
	Roots      []*treeNode
	NumClasses int
}

// Cache is a content-addressed, atomic-rename-on-write disk cache for
// fitted RandomForest models, keyed by the sorted hash of the training
// file paths that produced them. Concurrent harness folds sharing the
// same training set reuse the cached model instead of refitting.
type Cache struct {
	fs  fsutil.FileSystem
	dir string
}

// NewCache returns a Cache rooted at dir, which must already exist or be
// creatable via fs.MkdirAll.
func NewCache(fs fsutil.FileSystem, dir string) (*Cache, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("classifier: creating cache dir: %w", err)
	}
	return &Cache{fs: fs, dir: dir}, nil
}

// Key computes the content-address for a training set: the hex SHA-256
// of the sorted, newline-joined list of training file paths. Sorting
// first makes the key order-insensitive, matching BuildGraph's order
// insensitivity elsewhere in this module.
func Key(trainingFiles []string) string {
	sorted := append([]string(nil), trainingFiles...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, f := range sorted {
		h.Write([]byte(f))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".cache")
}

// Path returns the on-disk location key would be (or is) stored at,
// for callers that need to record cache metadata elsewhere.
func (c *Cache) Path(key string) string {
	return c.path(key)
}

// Load returns the cached forest for key, or ok=false if absent.
func (c *Cache) Load(key string) (*RandomForest, bool) {
	data, err := c.fs.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}

	var cached cachedForest
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cached); err != nil {
		log.Printf("[classifier.Cache] discarding unreadable cache entry %s: %v", key, err)
		return nil, false
	}

	trees := make([]*decisionTree, len(cached.Roots))
	for i, root := range cached.Roots {
		trees[i] = &decisionTree{root: root, numClasses: cached.NumClasses}
	}
	return &RandomForest{trees: trees, numClasses: cached.NumClasses}, true
}

// Store writes forest under key, publishing it atomically via a
// write-to-temp-then-rename so concurrent readers never observe a
// partially written cache file.
func (c *Cache) Store(key string, forest *RandomForest) error {
	roots := make([]*treeNode, len(forest.trees))
	for i, t := range forest.trees {
		roots[i] = t.root
	}

	var buf bytes.Buffer
	cached := cachedForest{Roots: roots, NumClasses: forest.numClasses}
	if err := gob.NewEncoder(&buf).Encode(cached); err != nil {
		return fmt.Errorf("classifier: encoding cache entry: %w", err)
	}

	tmp := c.path(key) + ".tmp"
	if err := c.fs.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("classifier: writing cache temp file: %w", err)
	}
	if err := c.fs.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("classifier: publishing cache entry: %w", err)
	}
	return nil
}

// FitCached fits a new RandomForest only if key is not already cached,
// storing the result for subsequent callers. This is the harness's
// single entry point for classifier acquisition (§4.6's shared-resource
// policy: concurrent folds training on the same file set share one fit).
func (c *Cache) FitCached(key string, X [][]float64, y []int, forest *RandomForest) (*RandomForest, error) {
	if cached, ok := c.Load(key); ok {
		return cached, nil
	}

	if err := forest.Fit(X, y); err != nil {
		return nil, err
	}

	if err := c.Store(key, forest); err != nil {
		log.Printf("[classifier.Cache] failed to persist %s: %v", key, err)
	}

	return forest, nil
}
