package unet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/lafm-net/internal/nnet"
)

func randomInput(n, c, s int, seed int64) *nnet.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := nnet.NewTensor(n, c, s, s)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	return x
}

func TestForwardShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	u := New(4, 8, rng)
	x := randomInput(2, 4, 4, 2)

	recon, mask, err := u.Forward(x, true)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, recon.Shape)
	assert.Equal(t, x.Shape, mask.Shape)
	assert.True(t, recon.IsFinite())
	assert.True(t, mask.IsFinite())
}

func TestMaskBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	u := New(2, 4, rng)
	x := randomInput(3, 2, 8, 3)

	_, mask, err := u.Forward(x, false)
	require.NoError(t, err)
	for _, v := range mask.Data {
		assert.Greater(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
}

func TestForwardRejectsBadShape(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	u := New(4, 4, rng)

	var se *nnet.ShapeMismatchError
	_, _, err := u.Forward(nnet.NewTensor(1, 2, 4, 4), false)
	require.ErrorAs(t, err, &se)

	// spatial size not divisible by 4
	_, _, err = u.Forward(nnet.NewTensor(1, 4, 6, 6), false)
	require.ErrorAs(t, err, &se)
}

func TestBackwardProducesGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	u := New(2, 4, rng)
	x := randomInput(2, 2, 4, 4)

	recon, mask, err := u.Forward(x, true)
	require.NoError(t, err)

	_, gradRecon, err := nnet.MSE(recon, x)
	require.NoError(t, err)
	gradMask := nnet.NewTensor(mask.Shape...)
	for i := range gradMask.Data {
		gradMask.Data[i] = 0.01
	}
	require.NoError(t, u.Backward(gradRecon, gradMask))

	var nonZero int
	for _, p := range u.Params() {
		for _, g := range p.Grad {
			if g != 0 {
				nonZero++
				break
			}
		}
	}
	// every parameter group should receive gradient, including the mask
	// head and its gate
	assert.Greater(t, nonZero, len(u.Params())*3/4)
}

func TestMaskHeadReceivesGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	u := New(2, 4, rng)
	x := randomInput(4, 2, 4, 5)

	_, mask, err := u.Forward(x, true)
	require.NoError(t, err)

	gradMask := nnet.NewTensor(mask.Shape...)
	for i := range gradMask.Data {
		gradMask.Data[i] = 1.0 / float64(len(gradMask.Data))
	}
	require.NoError(t, u.Backward(nnet.NewTensor(x.Shape...), gradMask))

	scaleGrad := 0.0
	for _, g := range u.chanScale.Grad {
		scaleGrad += math.Abs(g)
	}
	gateGrad := 0.0
	for _, g := range u.gate.W.Grad {
		gateGrad += math.Abs(g)
	}
	assert.Greater(t, scaleGrad, 0.0)
	assert.Greater(t, gateGrad, 0.0)
}

func TestFreezeIsOneWay(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	u := New(2, 4, rng)
	x := randomInput(1, 2, 4, 7)

	_, _, err := u.Forward(x, true)
	require.NoError(t, err)

	before := u.State()
	u.Freeze()
	assert.True(t, u.Frozen())

	// forward still works in eval mode
	_, mask, err := u.Forward(x, true)
	require.NoError(t, err)
	assert.True(t, mask.IsFinite())

	var fe *FrozenError
	err = u.Backward(nnet.NewTensor(x.Shape...), nnet.NewTensor(x.Shape...))
	require.ErrorAs(t, err, &fe)

	after := u.State()
	require.Equal(t, len(before), len(after))
	for name, vals := range before {
		assert.Equal(t, vals, after[name], "parameter %s changed after freeze", name)
	}
}

func TestStateRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	u1 := New(2, 4, rng)
	x := randomInput(2, 2, 4, 8)
	_, _, err := u1.Forward(x, true) // populate running stats
	require.NoError(t, err)

	u2 := New(2, 4, rand.New(rand.NewSource(99)))
	require.NoError(t, u2.LoadState(u1.State()))

	r1, m1, err := u1.Forward(x, false)
	require.NoError(t, err)
	r2, m2, err := u2.Forward(x, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, r1.Data, r2.Data, 1e-12)
	assert.InDeltaSlice(t, m1.Data, m2.Data, 1e-12)
}

func TestApplyMask(t *testing.T) {
	x := nnet.NewTensor(1, 1, 2, 2)
	x.Data = []float64{1, -2, 3, -4}
	mask := nnet.NewTensor(1, 1, 2, 2)
	mask.Data = []float64{0.5, 0.25, 1, 0}

	out, err := ApplyMask(x, mask)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -0.5, 3, 0}, out.Data)

	// magnitude never grows under a (0,1) mask
	for i := range out.Data {
		assert.LessOrEqual(t, math.Abs(out.Data[i]), math.Abs(x.Data[i]))
	}

	_, err = ApplyMask(x, nnet.NewTensor(1, 1, 2, 3))
	require.Error(t, err)
}
