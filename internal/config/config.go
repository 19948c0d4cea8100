// Package config provides centralized configuration for the LAFM-Net
// training pipeline. Configuration is an immutable value validated once
// before any model is constructed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigurationError reports invalid or inconsistent hyperparameters.
// It is always raised before any training starts.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Config holds all hyperparameters for a pipeline run.
type Config struct {
	// BatchSize is the number of samples per gradient step
	BatchSize int
	// UNetLR is the learning rate for the reconstruction phase
	UNetLR float64
	// ClassifierLR is the learning rate for the classification phase
	ClassifierLR float64
	// UNetEpochs is the epoch budget for the reconstruction phase
	UNetEpochs int
	// ClassifierEpochs is the epoch budget for the classification phase
	ClassifierEpochs int
	// TotalFeatures is the projected embedding size
	TotalFeatures int
	// NumChannels is the channel count of the tensor representation
	NumChannels int
	// ImageSize is the spatial side length of each channel
	ImageSize int

	// Seed drives all randomness (splits, shuffling, weight init, dropout)
	Seed int64
	// TestRatio is the fraction of samples held out for the test split
	TestRatio float64
	// ValidationRatio is the fraction of the remaining samples held out
	// for validation
	ValidationRatio float64
	// NoiseFactor is the Gaussian noise scale for denoising training
	NoiseFactor float64
	// EarlyStoppingPatience is the number of epochs without validation
	// improvement before a phase stops
	EarlyStoppingPatience int
	// MaskSparsityWeight penalizes the mean mask activation
	MaskSparsityWeight float64
	// MaskFidelityWeight weighs the masked-input fidelity term
	MaskFidelityWeight float64
	// FocalAlpha and FocalGamma parameterize the balanced focal loss
	FocalAlpha float64
	FocalGamma float64
	// MinorityClassThreshold is the class-frequency cutoff below which
	// flip augmentation applies
	MinorityClassThreshold float64
	// FlipProb is the per-axis flip probability for augmented samples
	FlipProb float64
	// BaseFeatures is the channel width of the first U-Net stage
	BaseFeatures int
	// CheckpointDir is where model checkpoints are persisted
	CheckpointDir string
}

// Default returns the default configuration. The checkpoint directory can
// be overridden via the LAFM_CHECKPOINT_DIR environment variable.
func Default() Config {
	return Config{
		BatchSize:              256,
		UNetLR:                 1e-4,
		ClassifierLR:           2e-4,
		UNetEpochs:             30,
		ClassifierEpochs:       30,
		TotalFeatures:          64,
		NumChannels:            4,
		ImageSize:              4,
		Seed:                   123,
		TestRatio:              0.25,
		ValidationRatio:        0.20,
		NoiseFactor:            0.1,
		EarlyStoppingPatience:  5,
		MaskSparsityWeight:     0.01,
		MaskFidelityWeight:     1.0,
		FocalAlpha:             0.75,
		FocalGamma:             1.5,
		MinorityClassThreshold: 0.01,
		FlipProb:               0.3,
		BaseFeatures:           32,
		CheckpointDir:          getEnvOrDefault("LAFM_CHECKPOINT_DIR", defaultCheckpointDir()),
	}
}

// Validate checks internal consistency. It must pass before the pipeline
// enters the projection-fit stage.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("batch_size must be positive, got %d", c.BatchSize)}
	}
	if c.UNetLR <= 0 || c.ClassifierLR <= 0 {
		return &ConfigurationError{Reason: "learning rates must be positive"}
	}
	if c.UNetEpochs <= 0 || c.ClassifierEpochs <= 0 {
		return &ConfigurationError{Reason: "epoch counts must be positive"}
	}
	if c.TotalFeatures <= 0 || c.NumChannels <= 0 || c.ImageSize <= 0 {
		return &ConfigurationError{Reason: "total_features, num_channels and image_size must be positive"}
	}
	if got := c.NumChannels * c.ImageSize * c.ImageSize; got != c.TotalFeatures {
		return &ConfigurationError{Reason: fmt.Sprintf(
			"num_channels*image_size*image_size = %d does not equal total_features = %d", got, c.TotalFeatures)}
	}
	// Two 2x downsampling stages in the reconstruction network.
	if c.ImageSize%4 != 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("image_size must be a multiple of 4, got %d", c.ImageSize)}
	}
	if c.TestRatio <= 0 || c.TestRatio >= 1 || c.ValidationRatio <= 0 || c.ValidationRatio >= 1 {
		return &ConfigurationError{Reason: "split ratios must be in (0, 1)"}
	}
	if c.NoiseFactor < 0 {
		return &ConfigurationError{Reason: "noise_factor must be non-negative"}
	}
	if c.EarlyStoppingPatience < 1 {
		return &ConfigurationError{Reason: "early_stopping_patience must be at least 1"}
	}
	if c.MaskSparsityWeight < 0 || c.MaskFidelityWeight < 0 {
		return &ConfigurationError{Reason: "mask loss weights must be non-negative"}
	}
	if c.FocalAlpha <= 0 || c.FocalAlpha > 1 {
		return &ConfigurationError{Reason: "focal_alpha must be in (0, 1]"}
	}
	if c.FocalGamma < 0 {
		return &ConfigurationError{Reason: "focal_gamma must be non-negative"}
	}
	if c.MinorityClassThreshold < 0 || c.MinorityClassThreshold >= 1 {
		return &ConfigurationError{Reason: "minority_class_threshold must be in [0, 1)"}
	}
	if c.FlipProb < 0 || c.FlipProb > 1 {
		return &ConfigurationError{Reason: "flip_prob must be in [0, 1]"}
	}
	if c.BaseFeatures <= 0 {
		return &ConfigurationError{Reason: "base_features must be positive"}
	}
	return nil
}

// FromMap builds a Config from a flat key/value surface, starting from
// Default. Unrecognized keys are rejected so that typos surface
// immediately rather than silently falling back to defaults.
func FromMap(opts map[string]string) (Config, error) {
	c := Default()
	for key, raw := range opts {
		if err := c.set(key, raw); err != nil {
			return Config{}, err
		}
	}
	return c, nil
}

func (c *Config) set(key, raw string) error {
	badValue := func(err error) error {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid value %q for %s: %v", raw, key, err)}
	}
	switch key {
	case "batch_size":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.BatchSize = v
	case "unet_lr":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.UNetLR = v
	case "classifier_lr":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.ClassifierLR = v
	case "unet_epochs":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.UNetEpochs = v
	case "classifier_epochs":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.ClassifierEpochs = v
	case "total_features":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.TotalFeatures = v
	case "num_channels":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.NumChannels = v
	case "image_size":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.ImageSize = v
	case "seed":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badValue(err)
		}
		c.Seed = v
	case "test_ratio":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.TestRatio = v
	case "validation_ratio":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.ValidationRatio = v
	case "noise_factor":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.NoiseFactor = v
	case "early_stopping_patience":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.EarlyStoppingPatience = v
	case "mask_sparsity_weight":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.MaskSparsityWeight = v
	case "mask_fidelity_weight":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.MaskFidelityWeight = v
	case "focal_alpha":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.FocalAlpha = v
	case "focal_gamma":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.FocalGamma = v
	case "minority_class_threshold":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.MinorityClassThreshold = v
	case "flip_prob":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badValue(err)
		}
		c.FlipProb = v
	case "base_features":
		v, err := strconv.Atoi(raw)
		if err != nil {
			return badValue(err)
		}
		c.BaseFeatures = v
	case "checkpoint_dir":
		c.CheckpointDir = raw
	default:
		return &ConfigurationError{Reason: "unrecognized option " + strconv.Quote(key)}
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// defaultCheckpointDir follows the XDG cache convention.
func defaultCheckpointDir() string {
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		return filepath.Join(xdgCache, "lafm-net", "checkpoints")
	}
	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".cache", "lafm-net", "checkpoints")
}
