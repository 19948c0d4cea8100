// Package classifier implements the second-stage network: a 1-D CNN over
// the flattened masked tensor that assigns a traffic class to each flow.
package classifier

import (
	"math/rand"

	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// Config fixes the classifier architecture for a given input tensor
// shape and label vocabulary size.
type Config struct {
	NumChannels int
	ImageSize   int
	NumClasses  int
	DropoutA    float64
	DropoutB    float64
}

// Network is the 1-D convolutional classifier. It consumes masked
// tensors shaped [N, C, S, S], flattens each sample to a single 1-D
// signal and classifies it. Three convolution stages widen the channel
// dimension while pooling shrinks the length; an adaptive pool fixes the
// flattened width regardless of the input resolution.
type Network struct {
	cfg   Config
	inLen int

	conv1 *nnet.Conv1D
	relu1 *nnet.ReLU
	bn1   *nnet.BatchNorm
	pool1 *nnet.MaxPool1D

	conv2 *nnet.Conv1D
	relu2 *nnet.ReLU
	bn2   *nnet.BatchNorm
	pool2 *nnet.MaxPool1D

	conv3 *nnet.Conv1D
	relu3 *nnet.ReLU
	bn3   *nnet.BatchNorm
	pool3 *nnet.AdaptiveMaxPool1D

	flatten *nnet.Flatten
	drop1   *nnet.Dropout
	fc1     *nnet.Dense
	relu4   *nnet.ReLU
	drop2   *nnet.Dropout
	fc2     *nnet.Dense
	relu5   *nnet.ReLU
	fc3     *nnet.Dense
}

const adaptiveOutLen = 8

// New creates a classifier network. Weights are drawn from rng; dropout
// also consumes rng during training.
func New(cfg Config, rng *rand.Rand) *Network {
	if cfg.DropoutA == 0 {
		cfg.DropoutA = 0.3
	}
	if cfg.DropoutB == 0 {
		cfg.DropoutB = 0.2
	}
	n := &Network{
		cfg:   cfg,
		inLen: cfg.NumChannels * cfg.ImageSize * cfg.ImageSize,

		conv1: nnet.NewConv1D("cls.conv1", 1, 64, 5, 2, rng),
		relu1: nnet.NewReLU(),
		bn1:   nnet.NewBatchNorm("cls.bn1", 64),
		pool1: nnet.NewMaxPool1D(),

		conv2: nnet.NewConv1D("cls.conv2", 64, 128, 3, 1, rng),
		relu2: nnet.NewReLU(),
		bn2:   nnet.NewBatchNorm("cls.bn2", 128),
		pool2: nnet.NewMaxPool1D(),

		conv3: nnet.NewConv1D("cls.conv3", 128, 256, 3, 1, rng),
		relu3: nnet.NewReLU(),
		bn3:   nnet.NewBatchNorm("cls.bn3", 256),
		pool3: nnet.NewAdaptiveMaxPool1D(adaptiveOutLen),

		flatten: nnet.NewFlatten(),
		drop1:   nnet.NewDropout(cfg.DropoutA, rng),
		fc1:     nnet.NewDense("cls.fc1", 256*adaptiveOutLen, 512, rng),
		relu4:   nnet.NewReLU(),
		drop2:   nnet.NewDropout(cfg.DropoutB, rng),
		fc2:     nnet.NewDense("cls.fc2", 512, 128, rng),
		relu5:   nnet.NewReLU(),
		fc3:     nnet.NewDense("cls.fc3", 128, cfg.NumClasses, rng),
	}
	return n
}

// NumClasses returns the size of the output layer.
func (n *Network) NumClasses() int { return n.cfg.NumClasses }

// Params returns every learnable parameter.
func (n *Network) Params() []*nnet.Param {
	out := n.conv1.Params()
	out = append(out, n.bn1.Params()...)
	out = append(out, n.conv2.Params()...)
	out = append(out, n.bn2.Params()...)
	out = append(out, n.conv3.Params()...)
	out = append(out, n.bn3.Params()...)
	out = append(out, n.fc1.Params()...)
	out = append(out, n.fc2.Params()...)
	out = append(out, n.fc3.Params()...)
	return out
}

// Forward maps masked tensors [N, C, S, S] to logits [N, K].
func (n *Network) Forward(x *nnet.Tensor, training bool) (*nnet.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != n.cfg.NumChannels ||
		x.Shape[2] != n.cfg.ImageSize || x.Shape[3] != n.cfg.ImageSize {
		return nil, &nnet.ShapeMismatchError{
			Op:   "Network.Forward",
			Want: []int{-1, n.cfg.NumChannels, n.cfg.ImageSize, n.cfg.ImageSize},
			Got:  x.Shape,
		}
	}
	sig, err := x.Reshape(x.Shape[0], 1, n.inLen)
	if err != nil {
		return nil, err
	}

	h := n.pool1.Forward(n.bn1.Forward(n.relu1.Forward(n.conv1.Forward(sig)), training))
	h = n.pool2.Forward(n.bn2.Forward(n.relu2.Forward(n.conv2.Forward(h)), training))
	h = n.pool3.Forward(n.bn3.Forward(n.relu3.Forward(n.conv3.Forward(h)), training))

	h = n.drop1.Forward(n.flatten.Forward(h), training)
	h = n.relu4.Forward(n.fc1.Forward(h))
	h = n.drop2.Forward(h, training)
	h = n.relu5.Forward(n.fc2.Forward(h))
	return n.fc3.Forward(h), nil
}

// Backward propagates the logit gradient and accumulates parameter
// gradients. It must follow a training-mode Forward.
func (n *Network) Backward(grad *nnet.Tensor) *nnet.Tensor {
	g := n.fc3.Backward(grad)
	g = n.fc2.Backward(n.relu5.Backward(g))
	g = n.drop2.Backward(g)
	g = n.fc1.Backward(n.relu4.Backward(g))
	g = n.flatten.Backward(n.drop1.Backward(g))

	g = n.pool3.Backward(g)
	g = n.conv3.Backward(n.relu3.Backward(n.bn3.Backward(g)))
	g = n.pool2.Backward(g)
	g = n.conv2.Backward(n.relu2.Backward(n.bn2.Backward(g)))
	g = n.pool1.Backward(g)
	g = n.conv1.Backward(n.relu1.Backward(n.bn1.Backward(g)))

	dx := g.Clone()
	dx.Shape = []int{g.Shape[0], n.cfg.NumChannels, n.cfg.ImageSize, n.cfg.ImageSize}
	return dx
}

// State serializes learnable parameters and batch-norm running
// statistics.
func (n *Network) State() map[string][]float64 {
	state := nnet.StateOf(n.Params())
	for name, bn := range n.batchNorms() {
		m, v := bn.RunningState()
		state[name+".running_mean"] = append([]float64(nil), m...)
		state[name+".running_var"] = append([]float64(nil), v...)
	}
	return state
}

// LoadState restores a serialized state.
func (n *Network) LoadState(state map[string][]float64) error {
	if err := nnet.LoadState(n.Params(), state); err != nil {
		return err
	}
	for name, bn := range n.batchNorms() {
		if v, ok := state[name+".running_mean"]; ok {
			copy(bn.RunningMean, v)
		}
		if v, ok := state[name+".running_var"]; ok {
			copy(bn.RunningVar, v)
		}
	}
	return nil
}

func (n *Network) batchNorms() map[string]*nnet.BatchNorm {
	return map[string]*nnet.BatchNorm{
		"cls.bn1": n.bn1,
		"cls.bn2": n.bn2,
		"cls.bn3": n.bn3,
	}
}
