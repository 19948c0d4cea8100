// Package pipeline orchestrates the two-phase training lifecycle:
// projection fitting, self-supervised reconstruction training, the
// one-way freeze, classifier training, and serving.
package pipeline

import "fmt"

// State is the pipeline lifecycle stage. Transitions are strictly
// forward; in particular the reconstruction freeze cannot be undone.
type State int

const (
	StateUninitialized State = iota
	StateProjectionFit
	StateReconstructionTraining
	StateReconstructionFrozen
	StateClassifierTraining
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateProjectionFit:
		return "projection-fit"
	case StateReconstructionTraining:
		return "reconstruction-training"
	case StateReconstructionFrozen:
		return "reconstruction-frozen"
	case StateClassifierTraining:
		return "classifier-training"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateError reports an operation invoked in the wrong lifecycle stage.
type StateError struct {
	Op   string
	Want State
	Got  State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s requires pipeline state %s, currently %s", e.Op, e.Want, e.Got)
}

// DivergenceError reports a training run aborted on a non-finite loss.
// The phase's weights are unusable when it is raised.
type DivergenceError struct {
	Phase string
	Epoch int
	Batch int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s training diverged at epoch %d, batch %d: non-finite loss", e.Phase, e.Epoch, e.Batch)
}
