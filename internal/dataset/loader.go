package dataset

import (
	"context"
	"math/rand"

	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// Batch is one training step's worth of samples stacked into a single
// [B, C, S, S] tensor.
type Batch struct {
	X      *nnet.Tensor
	Labels []int
}

// LoaderConfig controls batch assembly.
type LoaderConfig struct {
	// BatchSize is the number of samples per batch; the final batch of
	// an epoch may be smaller.
	BatchSize int
	// Shuffle reshuffles the sample order at the start of every epoch.
	Shuffle bool
	// Seed drives shuffling and augmentation.
	Seed int64
	// FlipProb is the probability of each flip applied to augmented
	// classes. Zero disables augmentation.
	FlipProb float64
	// AugmentClasses is the set of class IDs receiving flip
	// augmentation.
	AugmentClasses map[int]bool
}

// Loader assembles batches from a dataset. Batches for the next step
// are built one ahead of consumption on a background goroutine so
// tensor stacking overlaps with the training step.
type Loader struct {
	ds  *TensorDataset
	cfg LoaderConfig
	rng *rand.Rand
}

// NewLoader creates a loader over the dataset.
func NewLoader(ds *TensorDataset, cfg LoaderConfig) *Loader {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Loader{
		ds:  ds,
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// NumBatches returns the batch count per epoch.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Epoch returns a channel yielding every batch of one epoch. The
// channel is closed when the epoch ends or the context is canceled.
func (l *Loader) Epoch(ctx context.Context) <-chan Batch {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	// capacity 1 keeps exactly one batch staged ahead
	out := make(chan Batch, 1)
	go func() {
		defer close(out)
		for start := 0; start < len(order); start += l.cfg.BatchSize {
			end := start + l.cfg.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := l.assemble(order[start:end])
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Loader) assemble(indices []int) Batch {
	sample := l.ds.Samples[indices[0]]
	c, h, w := sample.Shape[0], sample.Shape[1], sample.Shape[2]
	x := nnet.NewTensor(len(indices), c, h, w)
	labels := make([]int, len(indices))
	size := c * h * w

	for i, idx := range indices {
		s := l.ds.Samples[idx]
		label := l.ds.Labels[idx]
		labels[i] = label
		dst := x.Data[i*size : (i+1)*size]
		copy(dst, s.Data)
		if l.cfg.FlipProb > 0 && l.cfg.AugmentClasses[label] {
			if l.rng.Float64() < l.cfg.FlipProb {
				flipHorizontal(dst, c, h, w)
			}
			if l.rng.Float64() < l.cfg.FlipProb {
				flipVertical(dst, c, h, w)
			}
		}
	}
	return Batch{X: x, Labels: labels}
}

// flipHorizontal mirrors each channel's rows in place.
func flipHorizontal(data []float64, c, h, w int) {
	for ci := 0; ci < c; ci++ {
		for row := 0; row < h; row++ {
			base := (ci*h + row) * w
			for a, b := 0, w-1; a < b; a, b = a+1, b-1 {
				data[base+a], data[base+b] = data[base+b], data[base+a]
			}
		}
	}
}

// flipVertical mirrors each channel's columns in place.
func flipVertical(data []float64, c, h, w int) {
	for ci := 0; ci < c; ci++ {
		for a, b := 0, h-1; a < b; a, b = a+1, b-1 {
			ra := ci*h*w + a*w
			rb := ci*h*w + b*w
			for col := 0; col < w; col++ {
				data[ra+col], data[rb+col] = data[rb+col], data[ra+col]
			}
		}
	}
}
