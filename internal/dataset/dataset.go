// Package dataset holds tensorized training data and the batch loader
// feeding both training phases.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/cvalentine99/lafm-net/internal/features"
	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// TensorDataset is an in-memory collection of tensorized samples with
// integer class labels.
type TensorDataset struct {
	Samples    []*nnet.Tensor // each [C, S, S]
	Labels     []int
	NumClasses int
}

// FromEmbeddings tensorizes projected embeddings into a dataset.
func FromEmbeddings(embeddings [][]float64, labels []int, numClasses int, tz *features.Tensorizer) (*TensorDataset, error) {
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("embeddings/labels length mismatch: %d vs %d", len(embeddings), len(labels))
	}
	ds := &TensorDataset{
		Samples:    make([]*nnet.Tensor, len(embeddings)),
		Labels:     append([]int(nil), labels...),
		NumClasses: numClasses,
	}
	for i, e := range embeddings {
		t, err := tz.Reshape(e)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		ds.Samples[i] = t
	}
	return ds, nil
}

// Len returns the sample count.
func (d *TensorDataset) Len() int { return len(d.Samples) }

// Subset returns a dataset view over the given indices. Tensors are
// shared, not copied.
func (d *TensorDataset) Subset(indices []int) *TensorDataset {
	out := &TensorDataset{
		Samples:    make([]*nnet.Tensor, len(indices)),
		Labels:     make([]int, len(indices)),
		NumClasses: d.NumClasses,
	}
	for i, idx := range indices {
		out.Samples[i] = d.Samples[idx]
		out.Labels[i] = d.Labels[idx]
	}
	return out
}

// ClassCounts returns the per-class sample counts.
func (d *TensorDataset) ClassCounts() []int {
	counts := make([]int, d.NumClasses)
	for _, l := range d.Labels {
		counts[l]++
	}
	return counts
}

// MinorityClasses returns the set of classes whose frequency is below
// threshold. These receive flip augmentation during classifier
// training.
func (d *TensorDataset) MinorityClasses(threshold float64) map[int]bool {
	out := make(map[int]bool)
	if d.Len() == 0 {
		return out
	}
	total := float64(d.Len())
	for class, count := range d.ClassCounts() {
		if count > 0 && float64(count)/total < threshold {
			out[class] = true
		}
	}
	return out
}

// StratifiedIndices partitions sample indices into train, validation
// and test sets, preserving per-class proportions. testRatio is taken
// from the whole set first, then valRatio from the remainder. The split
// is deterministic for a given seed.
func StratifiedIndices(labels []int, numClasses int, testRatio, valRatio float64, seed int64) (train, val, test []int, err error) {
	if testRatio < 0 || valRatio < 0 || testRatio >= 1 || valRatio >= 1 {
		return nil, nil, nil, fmt.Errorf("invalid split ratios: test=%v val=%v", testRatio, valRatio)
	}
	byClass := make(map[int][]int)
	for i, l := range labels {
		byClass[l] = append(byClass[l], i)
	}
	rng := rand.New(rand.NewSource(seed))

	// iterate classes in order for determinism
	for class := 0; class < numClasses; class++ {
		indices := byClass[class]
		if len(indices) == 0 {
			continue
		}
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		nTest := int(float64(len(indices)) * testRatio)
		rest := indices[nTest:]
		nVal := int(float64(len(rest)) * valRatio)

		test = append(test, indices[:nTest]...)
		val = append(val, rest[:nVal]...)
		train = append(train, rest[nVal:]...)
	}
	if len(train) == 0 {
		return nil, nil, nil, fmt.Errorf("split left no training samples (n=%d)", len(labels))
	}
	return train, val, test, nil
}

// StratifiedSplit is StratifiedIndices applied to a tensor dataset.
func StratifiedSplit(d *TensorDataset, testRatio, valRatio float64, seed int64) (train, val, test *TensorDataset, err error) {
	trainIdx, valIdx, testIdx, err := StratifiedIndices(d.Labels, d.NumClasses, testRatio, valRatio, seed)
	if err != nil {
		return nil, nil, nil, err
	}
	return d.Subset(trainIdx), d.Subset(valIdx), d.Subset(testIdx), nil
}
