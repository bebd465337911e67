package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// HarnessConfig is the evaluation harness's JSON-file configuration
// surface, built from optional-pointer fields: fields omitted from the
// file retain their documented default.
type HarnessConfig struct {
	MaxTime           *int     `json:"max_time,omitempty"`
	StartStepIndices  []int    `json:"start_step_indices,omitempty"`
	OracleStepIndices []int    `json:"oracle_step_indices,omitempty"`
	NumProcesses      *int     `json:"num_processes,omitempty"`
	AuthorsSuffix     *string  `json:"authors_suffix,omitempty"`
	CacheDir          *string  `json:"cache_dir,omitempty"`
	ValidationSplit   *float64 `json:"validation_split,omitempty"`
	RandomSeed        *int64   `json:"random_seed,omitempty"`
}

// LoadHarnessConfig loads a HarnessConfig from a JSON file, rejecting
// files without a .json extension or larger than 1MB.
func LoadHarnessConfig(path string) (*HarnessConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("harness config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat harness config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("harness config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read harness config file: %w", err)
	}

	cfg := &HarnessConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse harness config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid harness configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that any set fields carry sensible values.
func (c *HarnessConfig) Validate() error {
	if c.MaxTime != nil && *c.MaxTime <= 0 {
		return fmt.Errorf("max_time must be positive, got %d", *c.MaxTime)
	}
	if c.NumProcesses != nil && *c.NumProcesses <= 0 {
		return fmt.Errorf("num_processes must be positive, got %d", *c.NumProcesses)
	}
	if c.ValidationSplit != nil && (*c.ValidationSplit <= 0 || *c.ValidationSplit >= 1) {
		return fmt.Errorf("validation_split must be in (0,1), got %f", *c.ValidationSplit)
	}
	return nil
}

// GetMaxTime returns MaxTime or its default of 600 frames, matching the
// source's MAX_TIME constant.
func (c *HarnessConfig) GetMaxTime() int {
	if c.MaxTime == nil {
		return 600
	}
	return *c.MaxTime
}

// GetNumProcesses returns NumProcesses or its default of 12, matching
// the source's perform_loo default.
func (c *HarnessConfig) GetNumProcesses() int {
	if c.NumProcesses == nil {
		return 12
	}
	return *c.NumProcesses
}

// GetAuthorsSuffix returns AuthorsSuffix or its default
// "-authors.pkl"'s JSON-trace analogue, "-authors".
func (c *HarnessConfig) GetAuthorsSuffix() string {
	if c.AuthorsSuffix == nil {
		return "-authors"
	}
	return *c.AuthorsSuffix
}

// GetCacheDir returns CacheDir or its default relative path.
func (c *HarnessConfig) GetCacheDir() string {
	if c.CacheDir == nil {
		return "model_caches"
	}
	return *c.CacheDir
}

// GetValidationSplit returns ValidationSplit or its default of 0.2
// (80/20 train/val), matching the source's train_test_split call.
func (c *HarnessConfig) GetValidationSplit() float64 {
	if c.ValidationSplit == nil {
		return 0.2
	}
	return *c.ValidationSplit
}

// GetRandomSeed returns RandomSeed or its default of 0, matching the
// source's np.random.RandomState(0) shuffler.
func (c *HarnessConfig) GetRandomSeed() int64 {
	if c.RandomSeed == nil {
		return 0
	}
	return *c.RandomSeed
}
