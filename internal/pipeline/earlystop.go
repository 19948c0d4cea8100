package pipeline

import "math"

// earlyStopper tracks validation loss across epochs, keeps a snapshot
// of the best weights seen, and signals when patience runs out.
type earlyStopper struct {
	patience  int
	best      float64
	wait      int
	bestState map[string][]float64
}

func newEarlyStopper(patience int) *earlyStopper {
	return &earlyStopper{patience: patience, best: math.Inf(1)}
}

// observe records an epoch's validation loss. snapshot is only invoked
// on improvement. It reports whether training should stop.
func (e *earlyStopper) observe(valLoss float64, snapshot func() map[string][]float64) bool {
	if valLoss < e.best {
		e.best = valLoss
		e.wait = 0
		e.bestState = snapshot()
		return false
	}
	e.wait++
	return e.wait >= e.patience
}
