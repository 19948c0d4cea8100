package pipeline

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cvalentine99/lafm-net/internal/classifier"
	"github.com/cvalentine99/lafm-net/internal/config"
	"github.com/cvalentine99/lafm-net/internal/dataset"
	"github.com/cvalentine99/lafm-net/internal/features"
	"github.com/cvalentine99/lafm-net/internal/metrics"
	"github.com/cvalentine99/lafm-net/internal/models"
	"github.com/cvalentine99/lafm-net/internal/nnet"
	"github.com/cvalentine99/lafm-net/internal/persist"
	"github.com/cvalentine99/lafm-net/internal/unet"
)

// Orchestrator owns the full model lifecycle. All operations are
// state-gated; see State for the allowed order.
type Orchestrator struct {
	cfg   config.Config
	log   *logrus.Logger
	store *persist.Store
	rng   *rand.Rand

	tz         *features.Tensorizer
	projection *features.ProjectionModel
	recon      *unet.MaskingUNet
	cls        *classifier.Network
	vocab      models.LabelVocabulary

	train, val, test *dataset.TensorDataset

	mu    sync.RWMutex
	state State
}

// New validates the configuration and constructs an orchestrator. No
// network weights are allocated until FitProjection runs, so an invalid
// configuration fails before any model exists.
func New(cfg config.Config, log *logrus.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	tz, err := features.NewTensorizer(cfg.NumChannels, cfg.ImageSize, cfg.TotalFeatures)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:   cfg,
		log:   log,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		tz:    tz,
		state: StateUninitialized,
	}
	metrics.PipelineState.Set(float64(o.state))
	return o, nil
}

// EnableCheckpoints opens the checkpoint store so phase artifacts are
// persisted as they complete.
func (o *Orchestrator) EnableCheckpoints() error {
	store, err := persist.NewStore(o.cfg.CheckpointDir)
	if err != nil {
		return err
	}
	o.store = store
	return nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) requireState(op string, want State) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.state != want {
		return &StateError{Op: op, Want: want, Got: o.state}
	}
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	metrics.PipelineState.Set(float64(s))
}

// FitProjection splits the dataset, fits the standardizing PCA on the
// training split only, and tensorizes all three splits. It also
// allocates both networks now that the class count is known.
func (o *Orchestrator) FitProjection(ds *models.Dataset) error {
	if err := o.requireState("FitProjection", StateUninitialized); err != nil {
		return err
	}
	trainIdx, valIdx, testIdx, err := dataset.StratifiedIndices(
		ds.Labels, ds.NumClasses(), o.cfg.TestRatio, o.cfg.ValidationRatio, o.cfg.Seed)
	if err != nil {
		return err
	}
	o.log.WithFields(logrus.Fields{
		"train": len(trainIdx),
		"val":   len(valIdx),
		"test":  len(testIdx),
	}).Info("dataset split")

	trainFeat := make([][]float64, len(trainIdx))
	for i, idx := range trainIdx {
		trainFeat[i] = ds.Features[idx]
	}
	projection, err := features.Fit(trainFeat, o.cfg.TotalFeatures)
	if err != nil {
		return err
	}
	o.projection = projection
	if projection.EffectiveComponents < o.cfg.TotalFeatures {
		o.log.WithFields(logrus.Fields{
			"effective": projection.EffectiveComponents,
			"requested": o.cfg.TotalFeatures,
		}).Warn("rank-deficient training data; embedding tail is zero-padded")
	}

	o.train, err = o.tensorizeSubset(ds, trainIdx)
	if err != nil {
		return err
	}
	o.val, err = o.tensorizeSubset(ds, valIdx)
	if err != nil {
		return err
	}
	o.test, err = o.tensorizeSubset(ds, testIdx)
	if err != nil {
		return err
	}

	o.vocab = ds.Vocab
	o.recon = unet.New(o.cfg.NumChannels, o.cfg.BaseFeatures, o.rng)
	o.cls = classifier.New(classifier.Config{
		NumChannels: o.cfg.NumChannels,
		ImageSize:   o.cfg.ImageSize,
		NumClasses:  ds.NumClasses(),
	}, o.rng)

	if o.store != nil {
		if _, err := o.store.Save("projection", projection); err != nil {
			return fmt.Errorf("failed to checkpoint projection: %w", err)
		}
	}
	o.setState(StateProjectionFit)
	return nil
}

func (o *Orchestrator) tensorizeSubset(ds *models.Dataset, indices []int) (*dataset.TensorDataset, error) {
	embeddings := make([][]float64, len(indices))
	labels := make([]int, len(indices))
	for i, idx := range indices {
		e, err := o.projection.Transform(ds.Features[idx])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", idx, err)
		}
		embeddings[i] = e
		labels[i] = ds.Labels[idx]
	}
	return dataset.FromEmbeddings(embeddings, labels, ds.NumClasses(), o.tz)
}

// FreezeReconstruction makes the reconstruction network inference-only.
// The transition is irreversible.
func (o *Orchestrator) FreezeReconstruction() error {
	if err := o.requireState("FreezeReconstruction", StateReconstructionTraining); err != nil {
		return err
	}
	o.recon.Freeze()
	o.setState(StateReconstructionFrozen)
	o.log.Info("reconstruction network frozen")
	return nil
}

// Predict classifies a single raw feature vector. The pipeline must be
// Ready.
func (o *Orchestrator) Predict(vector []float64) (*models.Prediction, error) {
	if err := o.requireState("Predict", StateReady); err != nil {
		return nil, err
	}
	embedding, err := o.projection.Transform(vector)
	if err != nil {
		return nil, err
	}
	sample, err := o.tz.Reshape(embedding)
	if err != nil {
		return nil, err
	}
	x, err := nnet.NewTensorFrom(sample.Data, 1, o.cfg.NumChannels, o.cfg.ImageSize, o.cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	probs, err := o.classify(x)
	if err != nil {
		return nil, err
	}

	row := probs[0]
	best := 0
	for i, p := range row {
		if p > row[best] {
			best = i
		}
	}
	label := o.vocab.Classes()[best]
	metrics.Predictions.WithLabelValues(label).Inc()
	return &models.Prediction{
		Label:         label,
		Class:         best,
		Confidence:    row[best],
		Probabilities: row,
	}, nil
}

// classify runs the frozen mask-and-classify path in eval mode on a
// batch and returns per-sample class probabilities.
func (o *Orchestrator) classify(x *nnet.Tensor) ([][]float64, error) {
	_, mask, err := o.recon.Forward(x, false)
	if err != nil {
		return nil, err
	}
	masked, err := unet.ApplyMask(x, mask)
	if err != nil {
		return nil, err
	}
	logits, err := o.cls.Forward(masked, false)
	if err != nil {
		return nil, err
	}
	return nnet.Softmax(logits), nil
}

// addNoise returns a copy of x perturbed with Gaussian noise for
// denoising training.
func (o *Orchestrator) addNoise(x *nnet.Tensor) *nnet.Tensor {
	if o.cfg.NoiseFactor == 0 {
		return x
	}
	noisy := x.Clone()
	for i := range noisy.Data {
		noisy.Data[i] += o.rng.NormFloat64() * o.cfg.NoiseFactor
	}
	return noisy
}
