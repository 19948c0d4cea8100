package unet

import (
	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// ApplyMask multiplies the input elementwise by the mask. The mask is
// produced by a sigmoid so the output is bounded by the input magnitude
// per element; no additional clamping is applied.
func ApplyMask(x, mask *nnet.Tensor) (*nnet.Tensor, error) {
	if !nnet.SameShape(x, mask) {
		return nil, &nnet.ShapeMismatchError{Op: "ApplyMask", Want: x.Shape, Got: mask.Shape}
	}
	out := nnet.NewTensor(x.Shape...)
	for i := range x.Data {
		out.Data[i] = x.Data[i] * mask.Data[i]
	}
	return out, nil
}
