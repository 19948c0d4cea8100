package nnet

import (
	"math"
	"math/rand"
)

// =============================================================================
// 2-D Convolution
// =============================================================================

// Conv2D is a stride-1 2-D convolution over [N, C, H, W] input.
type Conv2D struct {
	InC, OutC, K, Pad int
	W, B              *Param

	x *Tensor // forward cache
}

// NewConv2D creates a He-initialized convolution. Weight layout is
// [outC][inC][k][k].
func NewConv2D(name string, inC, outC, k, pad int, rng *rand.Rand) *Conv2D {
	fanIn := inC * k * k
	return &Conv2D{
		InC: inC, OutC: outC, K: k, Pad: pad,
		W: NewHeParam(name+".weight", outC*inC*k*k, fanIn, rng),
		B: newParam(name+".bias", outC),
	}
}

// Params returns the learnable parameters.
func (c *Conv2D) Params() []*Param { return []*Param{c.W, c.B} }

// Forward computes the convolution, caching the input for Backward.
func (c *Conv2D) Forward(x *Tensor) *Tensor {
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh := h + 2*c.Pad - c.K + 1
	ow := w + 2*c.Pad - c.K + 1
	out := NewTensor(n, c.OutC, oh, ow)
	c.x = x

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			bias := c.B.Value[oc]
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					sum := bias
					for ic := 0; ic < c.InC; ic++ {
						for kh := 0; kh < c.K; kh++ {
							ih := i + kh - c.Pad
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < c.K; kw++ {
								iw := j + kw - c.Pad
								if iw < 0 || iw >= w {
									continue
								}
								xv := x.Data[((bi*c.InC+ic)*h+ih)*w+iw]
								wv := c.W.Value[((oc*c.InC+ic)*c.K+kh)*c.K+kw]
								sum += xv * wv
							}
						}
					}
					out.Data[((bi*c.OutC+oc)*oh+i)*ow+j] = sum
				}
			}
		}
	}
	return out
}

// Backward accumulates weight gradients and returns the input gradient.
func (c *Conv2D) Backward(grad *Tensor) *Tensor {
	x := c.x
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := grad.Shape[2], grad.Shape[3]
	dx := NewTensor(n, c.InC, h, w)

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					g := grad.Data[((bi*c.OutC+oc)*oh+i)*ow+j]
					if g == 0 {
						continue
					}
					c.B.Grad[oc] += g
					for ic := 0; ic < c.InC; ic++ {
						for kh := 0; kh < c.K; kh++ {
							ih := i + kh - c.Pad
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < c.K; kw++ {
								iw := j + kw - c.Pad
								if iw < 0 || iw >= w {
									continue
								}
								xi := ((bi*c.InC+ic)*h+ih)*w + iw
								wi := ((oc*c.InC+ic)*c.K+kh)*c.K + kw
								c.W.Grad[wi] += g * x.Data[xi]
								dx.Data[xi] += g * c.W.Value[wi]
							}
						}
					}
				}
			}
		}
	}
	return dx
}

// =============================================================================
// Transposed 2-D Convolution
// =============================================================================

// ConvTranspose2D upsamples [N, C, H, W] by the given stride. Weight
// layout is [inC][outC][k][k].
type ConvTranspose2D struct {
	InC, OutC, K, Stride int
	W, B                 *Param

	x *Tensor
}

// NewConvTranspose2D creates a He-initialized transposed convolution.
func NewConvTranspose2D(name string, inC, outC, k, stride int, rng *rand.Rand) *ConvTranspose2D {
	fanIn := inC * k * k
	return &ConvTranspose2D{
		InC: inC, OutC: outC, K: k, Stride: stride,
		W: NewHeParam(name+".weight", inC*outC*k*k, fanIn, rng),
		B: newParam(name+".bias", outC),
	}
}

// Params returns the learnable parameters.
func (c *ConvTranspose2D) Params() []*Param { return []*Param{c.W, c.B} }

// Forward computes the transposed convolution; output side length is
// (in-1)*stride + k.
func (c *ConvTranspose2D) Forward(x *Tensor) *Tensor {
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh := (h-1)*c.Stride + c.K
	ow := (w-1)*c.Stride + c.K
	out := NewTensor(n, c.OutC, oh, ow)
	c.x = x

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			bias := c.B.Value[oc]
			base := (bi*c.OutC + oc) * oh * ow
			for i := 0; i < oh*ow; i++ {
				out.Data[base+i] = bias
			}
		}
		for ic := 0; ic < c.InC; ic++ {
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					xv := x.Data[((bi*c.InC+ic)*h+i)*w+j]
					if xv == 0 {
						continue
					}
					for oc := 0; oc < c.OutC; oc++ {
						for kh := 0; kh < c.K; kh++ {
							for kw := 0; kw < c.K; kw++ {
								oi := i*c.Stride + kh
								oj := j*c.Stride + kw
								wv := c.W.Value[((ic*c.OutC+oc)*c.K+kh)*c.K+kw]
								out.Data[((bi*c.OutC+oc)*oh+oi)*ow+oj] += xv * wv
							}
						}
					}
				}
			}
		}
	}
	return out
}

// Backward accumulates weight gradients and returns the input gradient.
func (c *ConvTranspose2D) Backward(grad *Tensor) *Tensor {
	x := c.x
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := grad.Shape[2], grad.Shape[3]
	dx := NewTensor(n, c.InC, h, w)

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			base := (bi*c.OutC + oc) * oh * ow
			for i := 0; i < oh*ow; i++ {
				c.B.Grad[oc] += grad.Data[base+i]
			}
		}
		for ic := 0; ic < c.InC; ic++ {
			for i := 0; i < h; i++ {
				for j := 0; j < w; j++ {
					xi := ((bi*c.InC+ic)*h+i)*w + j
					xv := x.Data[xi]
					var acc float64
					for oc := 0; oc < c.OutC; oc++ {
						for kh := 0; kh < c.K; kh++ {
							for kw := 0; kw < c.K; kw++ {
								oi := i*c.Stride + kh
								oj := j*c.Stride + kw
								gi := ((bi*c.OutC+oc)*oh+oi)*ow + oj
								wi := ((ic*c.OutC+oc)*c.K+kh)*c.K + kw
								g := grad.Data[gi]
								c.W.Grad[wi] += g * xv
								acc += g * c.W.Value[wi]
							}
						}
					}
					dx.Data[xi] = acc
				}
			}
		}
	}
	return dx
}

// =============================================================================
// Batch Normalization
// =============================================================================

// BatchNorm normalizes over all axes except the channel axis (axis 1),
// so it serves both [N, C, H, W] and [N, C, L] inputs.
type BatchNorm struct {
	C           int
	Gamma, Beta *Param
	RunningMean []float64
	RunningVar  []float64
	Momentum    float64
	Eps         float64

	// forward caches
	xhat   []float64
	invStd []float64
	shape  []int
}

// NewBatchNorm creates a batch-norm layer for c channels.
func NewBatchNorm(name string, c int) *BatchNorm {
	bn := &BatchNorm{
		C:           c,
		Gamma:       NewConstParam(name+".gamma", c, 1),
		Beta:        newParam(name+".beta", c),
		RunningMean: make([]float64, c),
		RunningVar:  make([]float64, c),
		Momentum:    0.1,
		Eps:         1e-5,
	}
	for i := range bn.RunningVar {
		bn.RunningVar[i] = 1
	}
	return bn
}

// Params returns the learnable parameters.
func (bn *BatchNorm) Params() []*Param { return []*Param{bn.Gamma, bn.Beta} }

// RunningState exposes the non-learnable statistics for checkpointing.
func (bn *BatchNorm) RunningState() (mean, variance []float64) {
	return bn.RunningMean, bn.RunningVar
}

func (bn *BatchNorm) spatial(x *Tensor) int {
	s := 1
	for _, d := range x.Shape[2:] {
		s *= d
	}
	return s
}

// Forward normalizes the input. In training mode batch statistics are
// used and the running statistics updated; in eval mode the running
// statistics are used.
func (bn *BatchNorm) Forward(x *Tensor, training bool) *Tensor {
	n := x.Shape[0]
	sp := bn.spatial(x)
	out := NewTensor(x.Shape...)
	bn.shape = x.Shape
	bn.xhat = make([]float64, len(x.Data))
	bn.invStd = make([]float64, bn.C)

	m := float64(n * sp)
	for c := 0; c < bn.C; c++ {
		var mean, variance float64
		if training {
			var sum float64
			for bi := 0; bi < n; bi++ {
				base := (bi*bn.C + c) * sp
				for s := 0; s < sp; s++ {
					sum += x.Data[base+s]
				}
			}
			mean = sum / m
			var sq float64
			for bi := 0; bi < n; bi++ {
				base := (bi*bn.C + c) * sp
				for s := 0; s < sp; s++ {
					d := x.Data[base+s] - mean
					sq += d * d
				}
			}
			variance = sq / m
			bn.RunningMean[c] = (1-bn.Momentum)*bn.RunningMean[c] + bn.Momentum*mean
			bn.RunningVar[c] = (1-bn.Momentum)*bn.RunningVar[c] + bn.Momentum*variance
		} else {
			mean = bn.RunningMean[c]
			variance = bn.RunningVar[c]
		}

		inv := 1.0 / math.Sqrt(variance+bn.Eps)
		bn.invStd[c] = inv
		g, b := bn.Gamma.Value[c], bn.Beta.Value[c]
		for bi := 0; bi < n; bi++ {
			base := (bi*bn.C + c) * sp
			for s := 0; s < sp; s++ {
				xh := (x.Data[base+s] - mean) * inv
				bn.xhat[base+s] = xh
				out.Data[base+s] = g*xh + b
			}
		}
	}
	return out
}

// Backward accumulates gamma/beta gradients and returns the input
// gradient (training-mode statistics).
func (bn *BatchNorm) Backward(grad *Tensor) *Tensor {
	n := grad.Shape[0]
	sp := bn.spatial(grad)
	dx := NewTensor(grad.Shape...)
	m := float64(n * sp)

	for c := 0; c < bn.C; c++ {
		var sumDy, sumDyXhat float64
		for bi := 0; bi < n; bi++ {
			base := (bi*bn.C + c) * sp
			for s := 0; s < sp; s++ {
				dy := grad.Data[base+s]
				sumDy += dy
				sumDyXhat += dy * bn.xhat[base+s]
			}
		}
		bn.Beta.Grad[c] += sumDy
		bn.Gamma.Grad[c] += sumDyXhat

		g := bn.Gamma.Value[c]
		inv := bn.invStd[c]
		for bi := 0; bi < n; bi++ {
			base := (bi*bn.C + c) * sp
			for s := 0; s < sp; s++ {
				dy := grad.Data[base+s]
				dx.Data[base+s] = g * inv / m * (m*dy - sumDy - bn.xhat[base+s]*sumDyXhat)
			}
		}
	}
	return dx
}

// =============================================================================
// Activations
// =============================================================================

// ReLU is the rectified linear activation.
type ReLU struct {
	mask []bool
}

// NewReLU creates a ReLU activation.
func NewReLU() *ReLU { return &ReLU{} }

// Forward applies max(0, x).
func (r *ReLU) Forward(x *Tensor) *Tensor {
	out := NewTensor(x.Shape...)
	r.mask = make([]bool, len(x.Data))
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
			r.mask[i] = true
		}
	}
	return out
}

// Backward gates the gradient by the forward activation pattern.
func (r *ReLU) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(grad.Shape...)
	for i, g := range grad.Data {
		if r.mask[i] {
			dx.Data[i] = g
		}
	}
	return dx
}

// Sigmoid is the logistic activation; it bounds mask values to (0, 1).
type Sigmoid struct {
	y []float64
}

// NewSigmoid creates a sigmoid activation.
func NewSigmoid() *Sigmoid { return &Sigmoid{} }

// Forward applies 1/(1+exp(-x)).
func (s *Sigmoid) Forward(x *Tensor) *Tensor {
	out := NewTensor(x.Shape...)
	s.y = make([]float64, len(x.Data))
	for i, v := range x.Data {
		y := 1.0 / (1.0 + math.Exp(-v))
		s.y[i] = y
		out.Data[i] = y
	}
	return out
}

// Backward applies the sigmoid derivative y*(1-y).
func (s *Sigmoid) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(grad.Shape...)
	for i, g := range grad.Data {
		dx.Data[i] = g * s.y[i] * (1 - s.y[i])
	}
	return dx
}

// =============================================================================
// Pooling
// =============================================================================

// MaxPool2D is a 2x2, stride-2 max pooling over [N, C, H, W].
type MaxPool2D struct {
	argmax  []int
	inShape []int
}

// NewMaxPool2D creates the pooling layer.
func NewMaxPool2D() *MaxPool2D { return &MaxPool2D{} }

// Forward halves both spatial dimensions.
func (p *MaxPool2D) Forward(x *Tensor) *Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2
	out := NewTensor(n, c, oh, ow)
	p.argmax = make([]int, len(out.Data))
	p.inShape = x.Shape

	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					best := math.Inf(-1)
					bestIdx := -1
					for di := 0; di < 2; di++ {
						for dj := 0; dj < 2; dj++ {
							idx := ((bi*c+ci)*h+(2*i+di))*w + (2*j + dj)
							if x.Data[idx] > best {
								best = x.Data[idx]
								bestIdx = idx
							}
						}
					}
					oi := ((bi*c+ci)*oh+i)*ow + j
					out.Data[oi] = best
					p.argmax[oi] = bestIdx
				}
			}
		}
	}
	return out
}

// Backward routes each gradient to the max element's position.
func (p *MaxPool2D) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(p.inShape...)
	for oi, idx := range p.argmax {
		dx.Data[idx] += grad.Data[oi]
	}
	return dx
}

// =============================================================================
// Dense, Dropout, Flatten
// =============================================================================

// Dense is a fully connected layer over [N, In] input.
type Dense struct {
	In, Out int
	W, B    *Param

	x *Tensor
}

// NewDense creates a He-initialized dense layer. Weight layout is
// [out][in].
func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	return &Dense{
		In: in, Out: out,
		W: NewHeParam(name+".weight", out*in, in, rng),
		B: newParam(name+".bias", out),
	}
}

// Params returns the learnable parameters.
func (d *Dense) Params() []*Param { return []*Param{d.W, d.B} }

// Forward computes xW^T + b.
func (d *Dense) Forward(x *Tensor) *Tensor {
	n := x.Shape[0]
	out := NewTensor(n, d.Out)
	d.x = x
	for bi := 0; bi < n; bi++ {
		for o := 0; o < d.Out; o++ {
			sum := d.B.Value[o]
			wBase := o * d.In
			xBase := bi * d.In
			for i := 0; i < d.In; i++ {
				sum += x.Data[xBase+i] * d.W.Value[wBase+i]
			}
			out.Data[bi*d.Out+o] = sum
		}
	}
	return out
}

// Backward accumulates weight gradients and returns the input gradient.
func (d *Dense) Backward(grad *Tensor) *Tensor {
	n := grad.Shape[0]
	dx := NewTensor(n, d.In)
	for bi := 0; bi < n; bi++ {
		xBase := bi * d.In
		for o := 0; o < d.Out; o++ {
			g := grad.Data[bi*d.Out+o]
			if g == 0 {
				continue
			}
			d.B.Grad[o] += g
			wBase := o * d.In
			for i := 0; i < d.In; i++ {
				d.W.Grad[wBase+i] += g * d.x.Data[xBase+i]
				dx.Data[xBase+i] += g * d.W.Value[wBase+i]
			}
		}
	}
	return dx
}

// Dropout zeroes activations with probability p during training,
// rescaling survivors by 1/(1-p).
type Dropout struct {
	P   float64
	rng *rand.Rand

	mask []float64
}

// NewDropout creates a dropout layer driven by the given source of
// randomness.
func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

// Forward applies inverted dropout in training mode and is the identity
// otherwise.
func (d *Dropout) Forward(x *Tensor, training bool) *Tensor {
	if !training || d.P <= 0 {
		d.mask = nil
		return x.Clone()
	}
	out := NewTensor(x.Shape...)
	d.mask = make([]float64, len(x.Data))
	scale := 1.0 / (1.0 - d.P)
	for i, v := range x.Data {
		if d.rng.Float64() >= d.P {
			d.mask[i] = scale
			out.Data[i] = v * scale
		}
	}
	return out
}

// Backward applies the dropout mask to the gradient.
func (d *Dropout) Backward(grad *Tensor) *Tensor {
	if d.mask == nil {
		return grad.Clone()
	}
	dx := NewTensor(grad.Shape...)
	for i, g := range grad.Data {
		dx.Data[i] = g * d.mask[i]
	}
	return dx
}

// Flatten collapses all axes after the batch axis.
type Flatten struct {
	inShape []int
}

// NewFlatten creates the reshaping layer.
func NewFlatten() *Flatten { return &Flatten{} }

// Forward reshapes [N, ...] to [N, F].
func (f *Flatten) Forward(x *Tensor) *Tensor {
	f.inShape = x.Shape
	features := len(x.Data) / x.Shape[0]
	out := x.Clone()
	out.Shape = []int{x.Shape[0], features}
	return out
}

// Backward restores the original shape.
func (f *Flatten) Backward(grad *Tensor) *Tensor {
	dx := grad.Clone()
	dx.Shape = append([]int(nil), f.inShape...)
	return dx
}
