package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cvalentine99/lafm-net/internal/dataset"
	"github.com/cvalentine99/lafm-net/internal/metrics"
	"github.com/cvalentine99/lafm-net/internal/models"
	"github.com/cvalentine99/lafm-net/internal/nnet"
	"github.com/cvalentine99/lafm-net/internal/unet"
)

const (
	phaseReconstruction = "reconstruction"
	phaseClassifier     = "classifier"

	// plateau decay factor for both phases
	lrDecayFactor = 0.1
)

// lrDecayPatience ties the plateau patience to half the early-stop
// patience so the LR drops before training gives up.
func (o *Orchestrator) lrDecayPatience() int {
	p := o.cfg.EarlyStoppingPatience / 2
	if p < 1 {
		p = 1
	}
	return p
}

// Run executes the full lifecycle on the dataset and returns the
// held-out test evaluation.
func (o *Orchestrator) Run(ctx context.Context, ds *models.Dataset) (*models.EvaluationReport, error) {
	if err := o.FitProjection(ds); err != nil {
		return nil, err
	}
	if err := o.TrainReconstruction(ctx); err != nil {
		return nil, err
	}
	if err := o.FreezeReconstruction(); err != nil {
		return nil, err
	}
	if err := o.TrainClassifier(ctx); err != nil {
		return nil, err
	}
	return o.Evaluate()
}

// TrainReconstruction runs the self-supervised denoising phase. The
// loss is reconstruction MSE plus a masked-fidelity term and a sparsity
// penalty on the mean mask activation, so the mask head learns which
// positions carry signal without ever seeing a label.
func (o *Orchestrator) TrainReconstruction(ctx context.Context) error {
	if err := o.requireState("TrainReconstruction", StateProjectionFit); err != nil {
		return err
	}
	o.setState(StateReconstructionTraining)

	loader := dataset.NewLoader(o.train, dataset.LoaderConfig{
		BatchSize: o.cfg.BatchSize,
		Shuffle:   true,
		Seed:      o.cfg.Seed,
	})
	opt := nnet.NewAdam(o.recon.Params(), o.cfg.UNetLR)
	sched := nnet.NewPlateauScheduler(opt, lrDecayFactor, o.lrDecayPatience())
	stopper := newEarlyStopper(o.cfg.EarlyStoppingPatience)

	for epoch := 1; epoch <= o.cfg.UNetEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		var epochLoss float64
		batches := 0

		for batch := range loader.Epoch(ctx) {
			noisy := o.addNoise(batch.X)
			recon, mask, err := o.recon.Forward(noisy, true)
			if err != nil {
				return err
			}
			loss, gradRecon, gradMask, err := o.reconLoss(recon, mask, batch.X)
			if err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				metrics.DivergenceEvents.Inc()
				return &DivergenceError{Phase: phaseReconstruction, Epoch: epoch, Batch: batches}
			}
			opt.ZeroGrad()
			if err := o.recon.Backward(gradRecon, gradMask); err != nil {
				return err
			}
			opt.Step()
			epochLoss += loss
			batches++
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		trainLoss := epochLoss / float64(batches)

		valLoss, err := o.reconValidationLoss(ctx)
		if err != nil {
			return err
		}
		reduced := sched.Step(valLoss)

		metrics.EpochsCompleted.WithLabelValues(phaseReconstruction).Inc()
		metrics.TrainLoss.WithLabelValues(phaseReconstruction).Set(trainLoss)
		metrics.ValidationLoss.WithLabelValues(phaseReconstruction).Set(valLoss)
		metrics.LearningRate.WithLabelValues(phaseReconstruction).Set(opt.LR())
		metrics.EpochDuration.WithLabelValues(phaseReconstruction).Observe(time.Since(start).Seconds())

		fields := logrus.Fields{
			"phase":      phaseReconstruction,
			"epoch":      epoch,
			"train_loss": trainLoss,
			"val_loss":   valLoss,
			"lr":         opt.LR(),
		}
		if reduced {
			fields["lr_reduced"] = true
		}
		o.log.WithFields(fields).Info("epoch complete")

		if stopper.observe(valLoss, o.recon.State) {
			o.log.WithField("epoch", epoch).Info("reconstruction early stop")
			break
		}
	}

	if stopper.bestState != nil {
		if err := o.recon.LoadState(stopper.bestState); err != nil {
			return fmt.Errorf("failed to restore best reconstruction weights: %w", err)
		}
	}
	if o.store != nil {
		if _, err := o.store.Save("unet", reconCheckpoint{
			NumChannels:  o.cfg.NumChannels,
			BaseFeatures: o.cfg.BaseFeatures,
			State:        o.recon.State(),
		}); err != nil {
			return fmt.Errorf("failed to checkpoint reconstruction network: %w", err)
		}
	}
	return nil
}

// reconLoss combines the three phase-one loss terms and produces the
// gradients for both network outputs.
func (o *Orchestrator) reconLoss(recon, mask, clean *nnet.Tensor) (loss float64, gradRecon, gradMask *nnet.Tensor, err error) {
	mseLoss, gradRecon, err := nnet.MSE(recon, clean)
	if err != nil {
		return 0, nil, nil, err
	}

	masked, err := unet.ApplyMask(clean, mask)
	if err != nil {
		return 0, nil, nil, err
	}
	fidLoss, gradMasked, err := nnet.MSE(masked, clean)
	if err != nil {
		return 0, nil, nil, err
	}

	numel := float64(mask.NumElements())
	var maskMean float64
	gradMask = nnet.NewTensor(mask.Shape...)
	for i := range mask.Data {
		maskMean += mask.Data[i]
		// d(masked)/d(mask) = clean; sparsity gradient is uniform
		gradMask.Data[i] = o.cfg.MaskFidelityWeight*gradMasked.Data[i]*clean.Data[i] +
			o.cfg.MaskSparsityWeight/numel
	}
	maskMean /= numel

	loss = mseLoss + o.cfg.MaskFidelityWeight*fidLoss + o.cfg.MaskSparsityWeight*maskMean
	return loss, gradRecon, gradMask, nil
}

// reconValidationLoss evaluates the phase-one loss over the validation
// split in eval mode.
func (o *Orchestrator) reconValidationLoss(ctx context.Context) (float64, error) {
	loader := dataset.NewLoader(o.val, dataset.LoaderConfig{BatchSize: o.cfg.BatchSize})
	var total float64
	batches := 0
	for batch := range loader.Epoch(ctx) {
		noisy := o.addNoise(batch.X)
		recon, mask, err := o.recon.Forward(noisy, false)
		if err != nil {
			return 0, err
		}
		loss, _, _, err := o.reconLoss(recon, mask, batch.X)
		if err != nil {
			return 0, err
		}
		total += loss
		batches++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, nil
	}
	return total / float64(batches), nil
}

// TrainClassifier runs the supervised phase against the frozen
// reconstruction network. Minority classes receive flip augmentation;
// the loss is balanced focal loss.
func (o *Orchestrator) TrainClassifier(ctx context.Context) error {
	if err := o.requireState("TrainClassifier", StateReconstructionFrozen); err != nil {
		return err
	}
	o.setState(StateClassifierTraining)

	minority := o.train.MinorityClasses(o.cfg.MinorityClassThreshold)
	if len(minority) > 0 {
		names := make([]string, 0, len(minority))
		classes := o.vocab.Classes()
		for id := range minority {
			names = append(names, classes[id])
		}
		o.log.WithField("classes", names).Info("flip augmentation enabled for minority classes")
	}

	loader := dataset.NewLoader(o.train, dataset.LoaderConfig{
		BatchSize:      o.cfg.BatchSize,
		Shuffle:        true,
		Seed:           o.cfg.Seed + 1,
		FlipProb:       o.cfg.FlipProb,
		AugmentClasses: minority,
	})
	opt := nnet.NewAdam(o.cls.Params(), o.cfg.ClassifierLR)
	sched := nnet.NewPlateauScheduler(opt, lrDecayFactor, o.lrDecayPatience())
	stopper := newEarlyStopper(o.cfg.EarlyStoppingPatience)
	focal := nnet.FocalLoss{Alpha: o.cfg.FocalAlpha, Gamma: o.cfg.FocalGamma}

	for epoch := 1; epoch <= o.cfg.ClassifierEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		var epochLoss float64
		batches := 0

		for batch := range loader.Epoch(ctx) {
			_, mask, err := o.recon.Forward(batch.X, false)
			if err != nil {
				return err
			}
			masked, err := unet.ApplyMask(batch.X, mask)
			if err != nil {
				return err
			}
			logits, err := o.cls.Forward(masked, true)
			if err != nil {
				return err
			}
			loss, grad, err := focal.Loss(logits, batch.Labels)
			if err != nil {
				return err
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				metrics.DivergenceEvents.Inc()
				return &DivergenceError{Phase: phaseClassifier, Epoch: epoch, Batch: batches}
			}
			opt.ZeroGrad()
			o.cls.Backward(grad)
			opt.Step()
			epochLoss += loss
			batches++
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		trainLoss := epochLoss / float64(batches)

		valLoss, err := o.classifierValidationLoss(ctx, focal)
		if err != nil {
			return err
		}
		reduced := sched.Step(valLoss)

		metrics.EpochsCompleted.WithLabelValues(phaseClassifier).Inc()
		metrics.TrainLoss.WithLabelValues(phaseClassifier).Set(trainLoss)
		metrics.ValidationLoss.WithLabelValues(phaseClassifier).Set(valLoss)
		metrics.LearningRate.WithLabelValues(phaseClassifier).Set(opt.LR())
		metrics.EpochDuration.WithLabelValues(phaseClassifier).Observe(time.Since(start).Seconds())

		fields := logrus.Fields{
			"phase":      phaseClassifier,
			"epoch":      epoch,
			"train_loss": trainLoss,
			"val_loss":   valLoss,
			"lr":         opt.LR(),
		}
		if reduced {
			fields["lr_reduced"] = true
		}
		o.log.WithFields(fields).Info("epoch complete")

		if stopper.observe(valLoss, o.cls.State) {
			o.log.WithField("epoch", epoch).Info("classifier early stop")
			break
		}
	}

	if stopper.bestState != nil {
		if err := o.cls.LoadState(stopper.bestState); err != nil {
			return fmt.Errorf("failed to restore best classifier weights: %w", err)
		}
	}
	if o.store != nil {
		if _, err := o.store.Save("classifier", classifierCheckpoint{
			NumClasses: o.cls.NumClasses(),
			State:      o.cls.State(),
		}); err != nil {
			return fmt.Errorf("failed to checkpoint classifier: %w", err)
		}
	}
	o.setState(StateReady)
	return nil
}

func (o *Orchestrator) classifierValidationLoss(ctx context.Context, focal nnet.FocalLoss) (float64, error) {
	loader := dataset.NewLoader(o.val, dataset.LoaderConfig{BatchSize: o.cfg.BatchSize})
	var total float64
	batches := 0
	for batch := range loader.Epoch(ctx) {
		_, mask, err := o.recon.Forward(batch.X, false)
		if err != nil {
			return 0, err
		}
		masked, err := unet.ApplyMask(batch.X, mask)
		if err != nil {
			return 0, err
		}
		logits, err := o.cls.Forward(masked, false)
		if err != nil {
			return 0, err
		}
		loss, _, err := focal.Loss(logits, batch.Labels)
		if err != nil {
			return 0, err
		}
		total += loss
		batches++
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if batches == 0 {
		return 0, nil
	}
	return total / float64(batches), nil
}

// reconCheckpoint is the persisted payload for the reconstruction
// network.
type reconCheckpoint struct {
	NumChannels  int                  `json:"num_channels"`
	BaseFeatures int                  `json:"base_features"`
	State        map[string][]float64 `json:"state"`
}

// classifierCheckpoint is the persisted payload for the classifier.
type classifierCheckpoint struct {
	NumClasses int                  `json:"num_classes"`
	State      map[string][]float64 `json:"state"`
}
