package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateShapeContract(t *testing.T) {
	cfg := Default()
	cfg.TotalFeatures = 60 // 4*4*4 = 64 != 60
	err := cfg.Validate()
	require.Error(t, err)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "total_features")
}

func TestValidateImageSizeDivisibility(t *testing.T) {
	cfg := Default()
	cfg.ImageSize = 6
	cfg.NumChannels = 2
	cfg.TotalFeatures = 72
	var ce *ConfigurationError
	require.ErrorAs(t, cfg.Validate(), &ce)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cases := map[string]func(*Config){
		"batch size":  func(c *Config) { c.BatchSize = 0 },
		"unet lr":     func(c *Config) { c.UNetLR = -1 },
		"test ratio":  func(c *Config) { c.TestRatio = 1.5 },
		"focal alpha": func(c *Config) { c.FocalAlpha = 0 },
		"flip prob":   func(c *Config) { c.FlipProb = 1.5 },
		"patience":    func(c *Config) { c.EarlyStoppingPatience = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			var ce *ConfigurationError
			require.ErrorAs(t, cfg.Validate(), &ce)
		})
	}
}

func TestFromMapOverrides(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"batch_size":     "64",
		"unet_lr":        "0.001",
		"total_features": "16",
		"num_channels":   "1",
		"image_size":     "4",
	})
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, 0.001, cfg.UNetLR)
	assert.Equal(t, 16, cfg.TotalFeatures)
	require.NoError(t, cfg.Validate())
}

func TestFromMapRejectsUnknownKey(t *testing.T) {
	_, err := FromMap(map[string]string{"batchsize": "64"})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "unrecognized")
}

func TestFromMapRejectsBadValue(t *testing.T) {
	_, err := FromMap(map[string]string{"batch_size": "many"})
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}
