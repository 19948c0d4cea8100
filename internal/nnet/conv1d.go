package nnet

import (
	"math"
	"math/rand"
)

// =============================================================================
// 1-D Convolution and Pooling
// =============================================================================

// Conv1D is a stride-1 1-D convolution over [N, C, L] input.
type Conv1D struct {
	InC, OutC, K, Pad int
	W, B              *Param

	x *Tensor
}

// NewConv1D creates a He-initialized 1-D convolution. Weight layout is
// [outC][inC][k].
func NewConv1D(name string, inC, outC, k, pad int, rng *rand.Rand) *Conv1D {
	fanIn := inC * k
	return &Conv1D{
		InC: inC, OutC: outC, K: k, Pad: pad,
		W: NewHeParam(name+".weight", outC*inC*k, fanIn, rng),
		B: newParam(name+".bias", outC),
	}
}

// Params returns the learnable parameters.
func (c *Conv1D) Params() []*Param { return []*Param{c.W, c.B} }

// Forward computes the convolution, caching the input for Backward.
func (c *Conv1D) Forward(x *Tensor) *Tensor {
	n, l := x.Shape[0], x.Shape[2]
	ol := l + 2*c.Pad - c.K + 1
	out := NewTensor(n, c.OutC, ol)
	c.x = x

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			bias := c.B.Value[oc]
			for i := 0; i < ol; i++ {
				sum := bias
				for ic := 0; ic < c.InC; ic++ {
					for k := 0; k < c.K; k++ {
						pos := i + k - c.Pad
						if pos < 0 || pos >= l {
							continue
						}
						sum += x.Data[(bi*c.InC+ic)*l+pos] * c.W.Value[(oc*c.InC+ic)*c.K+k]
					}
				}
				out.Data[(bi*c.OutC+oc)*ol+i] = sum
			}
		}
	}
	return out
}

// Backward accumulates weight gradients and returns the input gradient.
func (c *Conv1D) Backward(grad *Tensor) *Tensor {
	x := c.x
	n, l := x.Shape[0], x.Shape[2]
	ol := grad.Shape[2]
	dx := NewTensor(n, c.InC, l)

	for bi := 0; bi < n; bi++ {
		for oc := 0; oc < c.OutC; oc++ {
			for i := 0; i < ol; i++ {
				g := grad.Data[(bi*c.OutC+oc)*ol+i]
				if g == 0 {
					continue
				}
				c.B.Grad[oc] += g
				for ic := 0; ic < c.InC; ic++ {
					for k := 0; k < c.K; k++ {
						pos := i + k - c.Pad
						if pos < 0 || pos >= l {
							continue
						}
						xi := (bi*c.InC+ic)*l + pos
						wi := (oc*c.InC+ic)*c.K + k
						c.W.Grad[wi] += g * x.Data[xi]
						dx.Data[xi] += g * c.W.Value[wi]
					}
				}
			}
		}
	}
	return dx
}

// MaxPool1D is a kernel-2, stride-2 max pooling over [N, C, L].
type MaxPool1D struct {
	argmax  []int
	inShape []int
}

// NewMaxPool1D creates the pooling layer.
func NewMaxPool1D() *MaxPool1D { return &MaxPool1D{} }

// Forward halves the length dimension.
func (p *MaxPool1D) Forward(x *Tensor) *Tensor {
	n, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	ol := l / 2
	out := NewTensor(n, c, ol)
	p.argmax = make([]int, len(out.Data))
	p.inShape = x.Shape

	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			for i := 0; i < ol; i++ {
				a := (bi*c+ci)*l + 2*i
				b := a + 1
				oi := (bi*c+ci)*ol + i
				if x.Data[a] >= x.Data[b] {
					out.Data[oi] = x.Data[a]
					p.argmax[oi] = a
				} else {
					out.Data[oi] = x.Data[b]
					p.argmax[oi] = b
				}
			}
		}
	}
	return out
}

// Backward routes each gradient to the max element's position.
func (p *MaxPool1D) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(p.inShape...)
	for oi, idx := range p.argmax {
		dx.Data[idx] += grad.Data[oi]
	}
	return dx
}

// AdaptiveMaxPool1D pools [N, C, L] down to a fixed output length
// regardless of L, using contiguous regions.
type AdaptiveMaxPool1D struct {
	OutLen int

	argmax  []int
	inShape []int
}

// NewAdaptiveMaxPool1D creates the pooling layer.
func NewAdaptiveMaxPool1D(outLen int) *AdaptiveMaxPool1D {
	return &AdaptiveMaxPool1D{OutLen: outLen}
}

// Forward pools each of the OutLen regions to its maximum.
func (p *AdaptiveMaxPool1D) Forward(x *Tensor) *Tensor {
	n, c, l := x.Shape[0], x.Shape[1], x.Shape[2]
	out := NewTensor(n, c, p.OutLen)
	p.argmax = make([]int, len(out.Data))
	p.inShape = x.Shape

	for bi := 0; bi < n; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * l
			for i := 0; i < p.OutLen; i++ {
				start := i * l / p.OutLen
				end := (i + 1) * l / p.OutLen
				if end <= start {
					end = start + 1
				}
				best := math.Inf(-1)
				bestIdx := base + start
				for j := start; j < end && j < l; j++ {
					if x.Data[base+j] > best {
						best = x.Data[base+j]
						bestIdx = base + j
					}
				}
				oi := (bi*c+ci)*p.OutLen + i
				out.Data[oi] = best
				p.argmax[oi] = bestIdx
			}
		}
	}
	return out
}

// Backward routes each gradient to the max element's position.
func (p *AdaptiveMaxPool1D) Backward(grad *Tensor) *Tensor {
	dx := NewTensor(p.inShape...)
	for oi, idx := range p.argmax {
		dx.Data[idx] += grad.Data[oi]
	}
	return dx
}
