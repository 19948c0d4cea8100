// Package unet implements the reconstruction stage: a small encoder and
// decoder with skip connections that denoises flow tensors and emits a
// bounded soft mask highlighting the feature positions worth keeping.
package unet

import (
	"math"
	"math/rand"

	"github.com/cvalentine99/lafm-net/internal/nnet"
)

// =============================================================================
// Convolution Block
// =============================================================================

// convBlock is two 3x3 convolutions, each followed by batch
// normalization and ReLU. Spatial size is preserved.
type convBlock struct {
	name  string
	conv1 *nnet.Conv2D
	bn1   *nnet.BatchNorm
	relu1 *nnet.ReLU
	conv2 *nnet.Conv2D
	bn2   *nnet.BatchNorm
	relu2 *nnet.ReLU
}

func newConvBlock(name string, inC, outC int, rng *rand.Rand) *convBlock {
	return &convBlock{
		name:  name,
		conv1: nnet.NewConv2D(name+".conv1", inC, outC, 3, 1, rng),
		bn1:   nnet.NewBatchNorm(name+".bn1", outC),
		relu1: nnet.NewReLU(),
		conv2: nnet.NewConv2D(name+".conv2", outC, outC, 3, 1, rng),
		bn2:   nnet.NewBatchNorm(name+".bn2", outC),
		relu2: nnet.NewReLU(),
	}
}

func (b *convBlock) forward(x *nnet.Tensor, training bool) *nnet.Tensor {
	h := b.relu1.Forward(b.bn1.Forward(b.conv1.Forward(x), training))
	return b.relu2.Forward(b.bn2.Forward(b.conv2.Forward(h), training))
}

func (b *convBlock) backward(grad *nnet.Tensor) *nnet.Tensor {
	g := b.conv2.Backward(b.bn2.Backward(b.relu2.Backward(grad)))
	return b.conv1.Backward(b.bn1.Backward(b.relu1.Backward(g)))
}

func (b *convBlock) params() []*nnet.Param {
	out := b.conv1.Params()
	out = append(out, b.bn1.Params()...)
	out = append(out, b.conv2.Params()...)
	out = append(out, b.bn2.Params()...)
	return out
}

func (b *convBlock) runningState(state map[string][]float64) {
	m1, v1 := b.bn1.RunningState()
	m2, v2 := b.bn2.RunningState()
	state[b.name+".bn1.running_mean"] = append([]float64(nil), m1...)
	state[b.name+".bn1.running_var"] = append([]float64(nil), v1...)
	state[b.name+".bn2.running_mean"] = append([]float64(nil), m2...)
	state[b.name+".bn2.running_var"] = append([]float64(nil), v2...)
}

func (b *convBlock) loadRunningState(state map[string][]float64) {
	if v, ok := state[b.name+".bn1.running_mean"]; ok {
		copy(b.bn1.RunningMean, v)
	}
	if v, ok := state[b.name+".bn1.running_var"]; ok {
		copy(b.bn1.RunningVar, v)
	}
	if v, ok := state[b.name+".bn2.running_mean"]; ok {
		copy(b.bn2.RunningMean, v)
	}
	if v, ok := state[b.name+".bn2.running_var"]; ok {
		copy(b.bn2.RunningVar, v)
	}
}

// =============================================================================
// Masking U-Net
// =============================================================================

// temperature below this is treated as this value to keep the mask
// logits finite
const minTemperature = 1e-2

// MaskingUNet is the reconstruction network. Forward produces a
// denoised reconstruction and a soft mask in (0, 1), both shaped like
// the input. The mask combines a per-position logit with a learned
// per-channel gate computed from global channel statistics.
//
// After Freeze the network is inference-only: Backward refuses to run
// and batch statistics stop updating. The transition is one-way.
type MaskingUNet struct {
	InC  int
	Base int

	enc1       *convBlock
	pool1      *nnet.MaxPool2D
	enc2       *convBlock
	pool2      *nnet.MaxPool2D
	bottleneck *convBlock
	up2        *nnet.ConvTranspose2D
	dec2       *convBlock
	up1        *nnet.ConvTranspose2D
	dec1       *convBlock
	finalConv  *nnet.Conv2D
	maskConv   *nnet.Conv2D

	// adaptive mask head
	chanScale *nnet.Param
	chanBias  *nnet.Param
	temp      *nnet.Param
	gate      *nnet.Dense

	frozen bool

	// forward caches for the mask head
	maskFeat *nnet.Tensor // f
	maskPre  []float64    // (s_c f + b_c) / T
	maskBase []float64    // sigmoid(pre)
	gateVal  [][]float64  // g, per sample per channel
	e1Shape  []int
	e2Shape  []int
}

// New creates a masking U-Net for inC input channels with base feature
// width base. Spatial dimensions of the input must be divisible by 4.
func New(inC, base int, rng *rand.Rand) *MaskingUNet {
	u := &MaskingUNet{
		InC:        inC,
		Base:       base,
		enc1:       newConvBlock("enc1", inC, base, rng),
		pool1:      nnet.NewMaxPool2D(),
		enc2:       newConvBlock("enc2", base, 2*base, rng),
		pool2:      nnet.NewMaxPool2D(),
		bottleneck: newConvBlock("bottleneck", 2*base, 4*base, rng),
		up2:        nnet.NewConvTranspose2D("up2", 4*base, 2*base, 2, 2, rng),
		dec2:       newConvBlock("dec2", 4*base, 2*base, rng),
		up1:        nnet.NewConvTranspose2D("up1", 2*base, base, 2, 2, rng),
		dec1:       newConvBlock("dec1", 2*base, base, rng),
		finalConv:  nnet.NewConv2D("final", base, inC, 1, 0, rng),
		maskConv:   nnet.NewConv2D("mask", base, inC, 1, 0, rng),
		chanScale:  nnet.NewConstParam("maskhead.scale", inC, 1),
		chanBias:   newZeroParam("maskhead.bias", inC),
		temp:       nnet.NewConstParam("maskhead.temperature", 1, 1),
		gate:       nnet.NewDense("maskhead.gate", inC, inC, rng),
	}
	return u
}

func newZeroParam(name string, size int) *nnet.Param {
	return nnet.NewConstParam(name, size, 0)
}

// Params returns every learnable parameter.
func (u *MaskingUNet) Params() []*nnet.Param {
	out := u.enc1.params()
	out = append(out, u.enc2.params()...)
	out = append(out, u.bottleneck.params()...)
	out = append(out, u.up2.Params()...)
	out = append(out, u.dec2.params()...)
	out = append(out, u.up1.Params()...)
	out = append(out, u.dec1.params()...)
	out = append(out, u.finalConv.Params()...)
	out = append(out, u.maskConv.Params()...)
	out = append(out, u.chanScale, u.chanBias, u.temp)
	out = append(out, u.gate.Params()...)
	return out
}

// Freeze makes the network inference-only. There is no unfreeze.
func (u *MaskingUNet) Freeze() { u.frozen = true }

// Frozen reports whether Freeze has been called.
func (u *MaskingUNet) Frozen() bool { return u.frozen }

// Forward runs the network on x shaped [N, C, H, W] and returns the
// reconstruction and the mask, both [N, C, H, W]. When frozen, training
// is forced off.
func (u *MaskingUNet) Forward(x *nnet.Tensor, training bool) (recon, mask *nnet.Tensor, err error) {
	if len(x.Shape) != 4 || x.Shape[1] != u.InC {
		return nil, nil, &nnet.ShapeMismatchError{Op: "MaskingUNet.Forward", Want: []int{-1, u.InC, -1, -1}, Got: x.Shape}
	}
	if x.Shape[2]%4 != 0 || x.Shape[3]%4 != 0 {
		return nil, nil, &nnet.ShapeMismatchError{Op: "MaskingUNet.Forward", Want: []int{x.Shape[0], u.InC, 4, 4}, Got: x.Shape}
	}
	if u.frozen {
		training = false
	}

	e1 := u.enc1.forward(x, training)
	p1 := u.pool1.Forward(e1)
	e2 := u.enc2.forward(p1, training)
	p2 := u.pool2.Forward(e2)
	b := u.bottleneck.forward(p2, training)

	d2 := u.dec2.forward(concatChannels(u.up2.Forward(b), e2), training)
	d1 := u.dec1.forward(concatChannels(u.up1.Forward(d2), e1), training)

	u.e1Shape = e1.Shape
	u.e2Shape = e2.Shape

	recon = u.finalConv.Forward(d1)
	mask = u.maskForward(u.maskConv.Forward(d1))
	return recon, mask, nil
}

// maskForward applies the adaptive head to the mask features:
// per-position sigmoid((s_c f + b_c)/T) scaled by a per-channel gate
// derived from the spatial means of f.
func (u *MaskingUNet) maskForward(f *nnet.Tensor) *nnet.Tensor {
	n, c, h, w := f.Shape[0], f.Shape[1], f.Shape[2], f.Shape[3]
	sp := h * w
	t := u.temp.Value[0]
	if t < minTemperature {
		t = minTemperature
	}

	u.maskFeat = f
	u.maskPre = make([]float64, len(f.Data))
	u.maskBase = make([]float64, len(f.Data))

	means := nnet.NewTensor(n, c)
	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * sp
			var sum float64
			for s := 0; s < sp; s++ {
				sum += f.Data[base+s]
			}
			means.Data[bi*c+ci] = sum / float64(sp)
		}
	}
	z := u.gate.Forward(means)
	u.gateVal = make([][]float64, n)
	for bi := 0; bi < n; bi++ {
		row := make([]float64, c)
		for ci := 0; ci < c; ci++ {
			row[ci] = 1.0 / (1.0 + math.Exp(-z.Data[bi*c+ci]))
		}
		u.gateVal[bi] = row
	}

	mask := nnet.NewTensor(f.Shape...)
	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			s, b := u.chanScale.Value[ci], u.chanBias.Value[ci]
			g := u.gateVal[bi][ci]
			base := (bi*c + ci) * sp
			for si := 0; si < sp; si++ {
				pre := (s*f.Data[base+si] + b) / t
				mb := 1.0 / (1.0 + math.Exp(-pre))
				u.maskPre[base+si] = pre
				u.maskBase[base+si] = mb
				mask.Data[base+si] = mb * g
			}
		}
	}
	return mask
}

// Backward propagates gradients for both outputs and accumulates
// parameter gradients. It must follow a training-mode Forward.
func (u *MaskingUNet) Backward(gradRecon, gradMask *nnet.Tensor) error {
	if u.frozen {
		return &FrozenError{}
	}
	dd1 := u.finalConv.Backward(gradRecon)
	df := u.maskBackward(gradMask)
	dd1Mask := u.maskConv.Backward(df)
	for i := range dd1.Data {
		dd1.Data[i] += dd1Mask.Data[i]
	}

	dc1 := u.dec1.backward(dd1)
	du1, de1Skip := splitChannels(dc1, u.Base, u.e1Shape)
	dd2 := u.up1.Backward(du1)

	dc2 := u.dec2.backward(dd2)
	du2, de2Skip := splitChannels(dc2, 2*u.Base, u.e2Shape)
	db := u.up2.Backward(du2)

	dp2 := u.bottleneck.backward(db)
	de2 := u.pool2.Backward(dp2)
	for i := range de2.Data {
		de2.Data[i] += de2Skip.Data[i]
	}

	dp1 := u.enc2.backward(de2)
	de1 := u.pool1.Backward(dp1)
	for i := range de1.Data {
		de1.Data[i] += de1Skip.Data[i]
	}
	u.enc1.backward(de1)
	return nil
}

// maskBackward returns the gradient with respect to the mask features
// and accumulates the head parameter gradients.
func (u *MaskingUNet) maskBackward(gradMask *nnet.Tensor) *nnet.Tensor {
	f := u.maskFeat
	n, c, h, w := f.Shape[0], f.Shape[1], f.Shape[2], f.Shape[3]
	sp := h * w
	t := u.temp.Value[0]
	clamped := t < minTemperature
	if clamped {
		t = minTemperature
	}

	df := nnet.NewTensor(f.Shape...)
	dG := nnet.NewTensor(n, c)

	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			s := u.chanScale.Value[ci]
			g := u.gateVal[bi][ci]
			base := (bi*c + ci) * sp
			for si := 0; si < sp; si++ {
				dm := gradMask.Data[base+si]
				mb := u.maskBase[base+si]
				dG.Data[bi*c+ci] += dm * mb
				dPre := dm * g * mb * (1 - mb)
				u.chanScale.Grad[ci] += dPre * f.Data[base+si] / t
				u.chanBias.Grad[ci] += dPre / t
				if !clamped {
					u.temp.Grad[0] += dPre * (-u.maskPre[base+si] / t)
				}
				df.Data[base+si] += dPre * s / t
			}
		}
	}

	// gate path: dZ = dG g (1-g), then through the dense layer and the
	// spatial-mean reduction
	dZ := nnet.NewTensor(n, c)
	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			g := u.gateVal[bi][ci]
			dZ.Data[bi*c+ci] = dG.Data[bi*c+ci] * g * (1 - g)
		}
	}
	dMeans := u.gate.Backward(dZ)
	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			dm := dMeans.Data[bi*c+ci] / float64(sp)
			base := (bi*c + ci) * sp
			for si := 0; si < sp; si++ {
				df.Data[base+si] += dm
			}
		}
	}
	return df
}

// State serializes learnable parameters and batch-norm running
// statistics.
func (u *MaskingUNet) State() map[string][]float64 {
	state := nnet.StateOf(u.Params())
	for _, b := range u.blocks() {
		b.runningState(state)
	}
	return state
}

// LoadState restores a serialized state.
func (u *MaskingUNet) LoadState(state map[string][]float64) error {
	if err := nnet.LoadState(u.Params(), state); err != nil {
		return err
	}
	for _, b := range u.blocks() {
		b.loadRunningState(state)
	}
	return nil
}

func (u *MaskingUNet) blocks() []*convBlock {
	return []*convBlock{u.enc1, u.enc2, u.bottleneck, u.dec2, u.dec1}
}

// FrozenError reports an attempted weight update on a frozen network.
type FrozenError struct{}

func (e *FrozenError) Error() string {
	return "reconstruction network is frozen; backward pass rejected"
}

// concatChannels joins two [N, C, H, W] tensors along the channel axis,
// a first.
func concatChannels(a, b *nnet.Tensor) *nnet.Tensor {
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	h, w := a.Shape[2], a.Shape[3]
	sp := h * w
	out := nnet.NewTensor(n, ca+cb, h, w)
	for bi := 0; bi < n; bi++ {
		copy(out.Data[bi*(ca+cb)*sp:], a.Data[bi*ca*sp:(bi+1)*ca*sp])
		copy(out.Data[(bi*(ca+cb)+ca)*sp:], b.Data[bi*cb*sp:(bi+1)*cb*sp])
	}
	return out
}

// splitChannels undoes concatChannels on a gradient: the first ca
// channels go to the upsample path, the rest to the skip connection.
func splitChannels(grad *nnet.Tensor, ca int, skipShape []int) (up, skip *nnet.Tensor) {
	n, ct := grad.Shape[0], grad.Shape[1]
	cb := ct - ca
	h, w := grad.Shape[2], grad.Shape[3]
	sp := h * w
	up = nnet.NewTensor(n, ca, h, w)
	skip = nnet.NewTensor(skipShape...)
	for bi := 0; bi < n; bi++ {
		copy(up.Data[bi*ca*sp:(bi+1)*ca*sp], grad.Data[bi*ct*sp:])
		copy(skip.Data[bi*cb*sp:(bi+1)*cb*sp], grad.Data[(bi*ct+ca)*sp:])
	}
	return up, skip
}
