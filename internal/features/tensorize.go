package features

import (
	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// Tensorizer reshapes a projected embedding into the multi-channel
// tensor representation. The mapping is a fixed bijection: element i of
// the embedding lands in channel i/(S*S), row (i%(S*S))/S, column i%S
// (channel-major, row-major within a channel). The ordering is part of
// the model contract and must not change between training and
// inference.
type Tensorizer struct {
	NumChannels   int
	ImageSize     int
	TotalFeatures int
}

// NewTensorizer validates the shape contract
// numChannels*imageSize*imageSize == totalFeatures and fails fast
// otherwise.
func NewTensorizer(numChannels, imageSize, totalFeatures int) (*Tensorizer, error) {
	if numChannels*imageSize*imageSize != totalFeatures {
		return nil, &nnet.ShapeMismatchError{
			Op:   "NewTensorizer",
			Want: []int{totalFeatures},
			Got:  []int{numChannels, imageSize, imageSize},
		}
	}
	return &Tensorizer{
		NumChannels:   numChannels,
		ImageSize:     imageSize,
		TotalFeatures: totalFeatures,
	}, nil
}

// Reshape maps an embedding to a [C, S, S] tensor.
func (t *Tensorizer) Reshape(embedding []float64) (*nnet.Tensor, error) {
	if len(embedding) != t.TotalFeatures {
		return nil, &nnet.ShapeMismatchError{
			Op:   "Tensorizer.Reshape",
			Want: []int{t.TotalFeatures},
			Got:  []int{len(embedding)},
		}
	}
	return nnet.NewTensorFrom(embedding, t.NumChannels, t.ImageSize, t.ImageSize)
}

// Flatten inverts Reshape exactly.
func (t *Tensorizer) Flatten(sample *nnet.Tensor) ([]float64, error) {
	want := []int{t.NumChannels, t.ImageSize, t.ImageSize}
	if len(sample.Shape) != 3 || sample.Shape[0] != want[0] || sample.Shape[1] != want[1] || sample.Shape[2] != want[2] {
		return nil, &nnet.ShapeMismatchError{Op: "Tensorizer.Flatten", Want: want, Got: sample.Shape}
	}
	out := make([]float64, t.TotalFeatures)
	copy(out, sample.Data)
	return out, nil
}
