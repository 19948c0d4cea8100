package dataset

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/lafm-net/internal/features"
)

func buildDataset(t *testing.T, counts []int) *TensorDataset {
	t.Helper()
	tz, err := features.NewTensorizer(1, 4, 16)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	var embeddings [][]float64
	var labels []int
	for class, n := range counts {
		for i := 0; i < n; i++ {
			e := make([]float64, 16)
			for j := range e {
				e[j] = rng.NormFloat64()
			}
			embeddings = append(embeddings, e)
			labels = append(labels, class)
		}
	}
	ds, err := FromEmbeddings(embeddings, labels, len(counts), tz)
	require.NoError(t, err)
	return ds
}

func TestStratifiedSplitPreservesProportions(t *testing.T) {
	ds := buildDataset(t, []int{400, 100})
	train, val, test, err := StratifiedSplit(ds, 0.25, 0.20, 7)
	require.NoError(t, err)

	assert.Equal(t, 500, train.Len()+val.Len()+test.Len())
	assert.Equal(t, 125, test.Len())

	// class proportions carry through each split
	for _, split := range []*TensorDataset{train, val, test} {
		counts := split.ClassCounts()
		ratio := float64(counts[1]) / float64(split.Len())
		assert.InDelta(t, 0.2, ratio, 0.05)
	}
}

func TestStratifiedSplitDeterministic(t *testing.T) {
	ds := buildDataset(t, []int{50, 50})
	t1, _, _, err := StratifiedSplit(ds, 0.25, 0.20, 42)
	require.NoError(t, err)
	t2, _, _, err := StratifiedSplit(ds, 0.25, 0.20, 42)
	require.NoError(t, err)
	assert.Equal(t, t1.Labels, t2.Labels)
	for i := range t1.Samples {
		assert.Equal(t, t1.Samples[i].Data, t2.Samples[i].Data)
	}
}

func TestStratifiedSplitNoOverlap(t *testing.T) {
	ds := buildDataset(t, []int{80, 20})
	train, val, test, err := StratifiedIndices(ds.Labels, ds.NumClasses, 0.25, 0.20, 3)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for _, idx := range append(append(append([]int{}, train...), val...), test...) {
		assert.False(t, seen[idx], "index %d appears twice", idx)
		seen[idx] = true
	}
	assert.Len(t, seen, 100)
}

func TestMinorityClasses(t *testing.T) {
	ds := buildDataset(t, []int{990, 10})
	minority := ds.MinorityClasses(0.05)
	assert.True(t, minority[1])
	assert.False(t, minority[0])
}

func TestLoaderCoversEverySample(t *testing.T) {
	ds := buildDataset(t, []int{33})
	loader := NewLoader(ds, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: 5})
	assert.Equal(t, 5, loader.NumBatches())

	total := 0
	for batch := range loader.Epoch(context.Background()) {
		n := batch.X.Shape[0]
		assert.Equal(t, []int{n, 1, 4, 4}, batch.X.Shape)
		assert.Len(t, batch.Labels, n)
		total += n
	}
	assert.Equal(t, 33, total)
}

func TestLoaderDeterministicShuffle(t *testing.T) {
	ds := buildDataset(t, []int{20, 20})
	collect := func(seed int64) []int {
		loader := NewLoader(ds, LoaderConfig{BatchSize: 8, Shuffle: true, Seed: seed})
		var labels []int
		for batch := range loader.Epoch(context.Background()) {
			labels = append(labels, batch.Labels...)
		}
		return labels
	}
	assert.Equal(t, collect(9), collect(9))
}

func TestLoaderEpochsReshuffle(t *testing.T) {
	ds := buildDataset(t, []int{64})
	loader := NewLoader(ds, LoaderConfig{BatchSize: 64, Shuffle: true, Seed: 11})

	first := <-loader.Epoch(context.Background())
	second := <-loader.Epoch(context.Background())
	assert.NotEqual(t, first.X.Data, second.X.Data)
}

func TestFlipAugmentationOnlyTouchesTargetClasses(t *testing.T) {
	tz, err := features.NewTensorizer(1, 4, 16)
	require.NoError(t, err)
	e := make([]float64, 16)
	for i := range e {
		e[i] = float64(i)
	}
	ds, err := FromEmbeddings([][]float64{e, e}, []int{0, 1}, 2, tz)
	require.NoError(t, err)

	loader := NewLoader(ds, LoaderConfig{
		BatchSize:      2,
		Seed:           3,
		FlipProb:       1.0,
		AugmentClasses: map[int]bool{1: true},
	})
	batch := <-loader.Epoch(context.Background())

	size := 16
	var class0, class1 []float64
	for i, label := range batch.Labels {
		row := batch.X.Data[i*size : (i+1)*size]
		if label == 0 {
			class0 = row
		} else {
			class1 = row
		}
	}
	assert.Equal(t, e, class0)
	assert.NotEqual(t, e, class1)
}

func TestFlipFunctionsAreInvolutions(t *testing.T) {
	data := make([]float64, 2*4*4)
	for i := range data {
		data[i] = float64(i)
	}
	orig := append([]float64(nil), data...)

	flipHorizontal(data, 2, 4, 4)
	assert.NotEqual(t, orig, data)
	flipHorizontal(data, 2, 4, 4)
	assert.Equal(t, orig, data)

	flipVertical(data, 2, 4, 4)
	flipVertical(data, 2, 4, 4)
	assert.Equal(t, orig, data)
}

func TestLoaderStacksWithoutMutatingSource(t *testing.T) {
	ds := buildDataset(t, []int{4})
	before := make([][]float64, ds.Len())
	for i, s := range ds.Samples {
		before[i] = append([]float64(nil), s.Data...)
	}

	loader := NewLoader(ds, LoaderConfig{
		BatchSize:      2,
		FlipProb:       1.0,
		AugmentClasses: map[int]bool{0: true},
	})
	for batch := range loader.Epoch(context.Background()) {
		_ = batch.X.Clone()
	}
	for i, s := range ds.Samples {
		assert.Equal(t, before[i], s.Data)
	}
}

func TestFromEmbeddingsLengthMismatch(t *testing.T) {
	tz, err := features.NewTensorizer(1, 4, 16)
	require.NoError(t, err)
	_, err = FromEmbeddings([][]float64{make([]float64, 16)}, []int{0, 1}, 2, tz)
	require.Error(t, err)
}
