package nnet

import "math"

// =============================================================================
// Adam Optimizer
// =============================================================================

// Adam implements the Adam optimizer over a fixed parameter set. There
// is exactly one optimizer (one writer) per network per phase.
type Adam struct {
	Beta1, Beta2, Eps float64

	lr     float64
	params []*Param
	step   int
	m, v   [][]float64
}

// NewAdam creates an optimizer for the given parameters.
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{
		Beta1: 0.9, Beta2: 0.999, Eps: 1e-8,
		lr:     lr,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Value))
		a.v[i] = make([]float64, len(p.Value))
	}
	return a
}

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.lr }

// SetLR replaces the learning rate.
func (a *Adam) SetLR(lr float64) { a.lr = lr }

// ZeroGrad clears every parameter gradient.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update using the accumulated gradients.
func (a *Adam) Step() {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			mhat := m[j] / bc1
			vhat := v[j] / bc2
			p.Value[j] -= a.lr * mhat / (math.Sqrt(vhat) + a.Eps)
		}
	}
}

// =============================================================================
// Plateau Learning-Rate Scheduler
// =============================================================================

// PlateauScheduler reduces the learning rate when the monitored
// validation loss stops improving.
type PlateauScheduler struct {
	Factor   float64
	Patience int
	MinLR    float64

	opt  *Adam
	best float64
	wait int
}

// NewPlateauScheduler wraps an optimizer with plateau-based decay.
func NewPlateauScheduler(opt *Adam, factor float64, patience int) *PlateauScheduler {
	if patience < 1 {
		patience = 1
	}
	return &PlateauScheduler{
		Factor:   factor,
		Patience: patience,
		MinLR:    1e-8,
		opt:      opt,
		best:     math.Inf(1),
	}
}

// Step observes a validation loss and reduces the learning rate if it
// has not improved for Patience steps. Reports whether a reduction
// occurred.
func (s *PlateauScheduler) Step(valLoss float64) bool {
	if valLoss < s.best {
		s.best = valLoss
		s.wait = 0
		return false
	}
	s.wait++
	if s.wait < s.Patience {
		return false
	}
	s.wait = 0
	lr := s.opt.LR() * s.Factor
	if lr < s.MinLR {
		lr = s.MinLR
	}
	s.opt.SetLR(lr)
	return true
}
