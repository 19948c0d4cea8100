package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConv2DShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	conv := NewConv2D("c", 3, 8, 3, 1, rng)
	x := NewTensor(2, 3, 4, 4)
	out := conv.Forward(x)
	assert.Equal(t, []int{2, 8, 4, 4}, out.Shape)

	dx := conv.Backward(NewTensor(2, 8, 4, 4))
	assert.Equal(t, x.Shape, dx.Shape)
}

func TestConvTranspose2DUpsamples(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	up := NewConvTranspose2D("u", 4, 2, 2, 2, rng)
	out := up.Forward(NewTensor(1, 4, 2, 2))
	assert.Equal(t, []int{1, 2, 4, 4}, out.Shape)
}

func TestMaxPool2DRoutesGradient(t *testing.T) {
	pool := NewMaxPool2D()
	x := NewTensor(1, 1, 2, 2)
	x.Data = []float64{1, 5, 2, 3}
	out := pool.Forward(x)
	require.Equal(t, []float64{5}, out.Data)

	grad := NewTensor(1, 1, 1, 1)
	grad.Data[0] = 7
	dx := pool.Backward(grad)
	assert.Equal(t, []float64{0, 7, 0, 0}, dx.Data)
}

func TestBatchNormTrainingNormalizes(t *testing.T) {
	bn := NewBatchNorm("bn", 2)
	rng := rand.New(rand.NewSource(3))
	x := NewTensor(8, 2, 3, 3)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()*4 + 10
	}
	out := bn.Forward(x, true)

	// per-channel output stats should be ~N(0,1) with gamma=1, beta=0
	n, sp := 8, 9
	for c := 0; c < 2; c++ {
		var sum, sq float64
		for bi := 0; bi < n; bi++ {
			base := (bi*2 + c) * sp
			for s := 0; s < sp; s++ {
				sum += out.Data[base+s]
			}
		}
		mean := sum / float64(n*sp)
		for bi := 0; bi < n; bi++ {
			base := (bi*2 + c) * sp
			for s := 0; s < sp; s++ {
				d := out.Data[base+s] - mean
				sq += d * d
			}
		}
		variance := sq / float64(n*sp)
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, variance, 1e-3)
	}
}

func TestReLUMasksNegatives(t *testing.T) {
	r := NewReLU()
	x := NewTensor(1, 4)
	x.Data = []float64{-1, 0, 2, -3}
	out := r.Forward(x)
	assert.Equal(t, []float64{0, 0, 2, 0}, out.Data)

	grad := NewTensor(1, 4)
	grad.Data = []float64{1, 1, 1, 1}
	dx := r.Backward(grad)
	assert.Equal(t, []float64{0, 0, 1, 0}, dx.Data)
}

func TestSigmoidBounds(t *testing.T) {
	s := NewSigmoid()
	x := NewTensor(1, 3)
	x.Data = []float64{-50, 0, 50}
	out := s.Forward(x)
	assert.InDelta(t, 0, out.Data[0], 1e-9)
	assert.InDelta(t, 0.5, out.Data[1], 1e-9)
	assert.InDelta(t, 1, out.Data[2], 1e-9)
}

func TestAdaptiveMaxPool1DFixedOutput(t *testing.T) {
	p := NewAdaptiveMaxPool1D(8)
	for _, l := range []int{8, 16, 100} {
		out := p.Forward(NewTensor(1, 2, l))
		assert.Equal(t, []int{1, 2, 8}, out.Shape, "input length %d", l)
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	logits := NewTensor(3, 5)
	rng := rand.New(rand.NewSource(4))
	for i := range logits.Data {
		logits.Data[i] = rng.NormFloat64() * 10
	}
	probs := Softmax(logits)
	for _, row := range probs {
		var sum float64
		for _, p := range row {
			assert.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-9)
	}
}

func TestMSEGradient(t *testing.T) {
	pred := NewTensor(1, 2)
	pred.Data = []float64{3, 1}
	target := NewTensor(1, 2)
	target.Data = []float64{1, 1}

	loss, grad, err := MSE(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 2, loss, 1e-12) // (4+0)/2
	assert.InDelta(t, 2, grad.Data[0], 1e-12)
	assert.InDelta(t, 0, grad.Data[1], 1e-12)
}

func TestFocalLossGammaZeroIsWeightedCE(t *testing.T) {
	logits := NewTensor(1, 3)
	logits.Data = []float64{2, 1, 0.5}
	labels := []int{0}

	f := FocalLoss{Alpha: 0.75, Gamma: 0}
	loss, grad, err := f.Loss(logits, labels)
	require.NoError(t, err)

	probs := Softmax(logits)[0]
	want := -0.75 * math.Log(probs[0])
	assert.InDelta(t, want, loss, 1e-9)

	// gradient of alpha-weighted CE: alpha * (p - onehot)
	assert.InDelta(t, 0.75*(probs[0]-1), grad.Data[0], 1e-9)
	assert.InDelta(t, 0.75*probs[1], grad.Data[1], 1e-9)
}

func TestFocalLossDownweightsEasyExamples(t *testing.T) {
	easy := NewTensor(1, 2)
	easy.Data = []float64{8, -8}
	hard := NewTensor(1, 2)
	hard.Data = []float64{0.1, -0.1}

	f := FocalLoss{Alpha: 1, Gamma: 2}
	plain := FocalLoss{Alpha: 1, Gamma: 0}

	easyFocal, _, err := f.Loss(easy, []int{0})
	require.NoError(t, err)
	easyCE, _, err := plain.Loss(easy, []int{0})
	require.NoError(t, err)
	hardFocal, _, err := f.Loss(hard, []int{0})
	require.NoError(t, err)
	hardCE, _, err := plain.Loss(hard, []int{0})
	require.NoError(t, err)

	// focusing should shrink the easy loss far more than the hard one
	assert.Less(t, easyFocal/easyCE, hardFocal/hardCE)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := NewConstParam("w", 1, 5)
	opt := NewAdam([]*Param{p}, 0.1)
	for i := 0; i < 500; i++ {
		opt.ZeroGrad()
		p.Grad[0] = 2 * p.Value[0] // d/dw w^2
		opt.Step()
	}
	assert.InDelta(t, 0, p.Value[0], 1e-2)
}

func TestPlateauSchedulerReduces(t *testing.T) {
	p := NewConstParam("w", 1, 0)
	opt := NewAdam([]*Param{p}, 1e-3)
	sched := NewPlateauScheduler(opt, 0.5, 2)

	assert.False(t, sched.Step(1.0)) // improvement
	assert.False(t, sched.Step(1.1))
	assert.True(t, sched.Step(1.2)) // patience exhausted
	assert.InDelta(t, 5e-4, opt.LR(), 1e-12)
}

func TestStateRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d1 := NewDense("d", 4, 3, rng)
	state := StateOf(d1.Params())

	d2 := NewDense("d", 4, 3, rng)
	require.NoError(t, LoadState(d2.Params(), state))
	assert.Equal(t, d1.W.Value, d2.W.Value)
	assert.Equal(t, d1.B.Value, d2.B.Value)

	require.Error(t, LoadState(d2.Params(), map[string][]float64{}))
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	d := NewDropout(0.5, rng)
	x := NewTensor(1, 10)
	for i := range x.Data {
		x.Data[i] = float64(i)
	}
	out := d.Forward(x, false)
	assert.Equal(t, x.Data, out.Data)
}
