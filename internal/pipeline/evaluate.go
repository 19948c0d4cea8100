package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cvalentine99/lafm-net/internal/dataset"
	"github.com/cvalentine99/lafm-net/internal/models"
)

// Evaluate scores the pipeline on the held-out test split.
func (o *Orchestrator) Evaluate() (*models.EvaluationReport, error) {
	return o.EvaluateOn(o.test)
}

// EvaluateOn scores the pipeline on an arbitrary tensorized dataset.
// The pipeline must be Ready.
func (o *Orchestrator) EvaluateOn(ds *dataset.TensorDataset) (*models.EvaluationReport, error) {
	if err := o.requireState("Evaluate", StateReady); err != nil {
		return nil, err
	}
	loader := dataset.NewLoader(ds, dataset.LoaderConfig{BatchSize: o.cfg.BatchSize})
	var trueLabels, predLabels []int
	for batch := range loader.Epoch(context.Background()) {
		probs, err := o.classify(batch.X)
		if err != nil {
			return nil, err
		}
		for i, row := range probs {
			best := 0
			for j, p := range row {
				if p > row[best] {
					best = j
				}
			}
			trueLabels = append(trueLabels, batch.Labels[i])
			predLabels = append(predLabels, best)
		}
	}
	report := buildReport(trueLabels, predLabels, o.vocab)
	o.log.WithFields(logrus.Fields{
		"accuracy":    report.Accuracy,
		"weighted_f1": report.WeightedF1,
		"samples":     len(trueLabels),
	}).Info("evaluation complete")
	return report, nil
}

// buildReport computes accuracy, per-class precision/recall/F1, the
// support-weighted F1 and, when the vocabulary has a benign class, the
// benign-vs-attack collapse.
func buildReport(trueLabels, predLabels []int, vocab models.LabelVocabulary) *models.EvaluationReport {
	classes := vocab.Classes()
	k := len(classes)
	confusion := make([][]int, k)
	for i := range confusion {
		confusion[i] = make([]int, k)
	}
	correct := 0
	for i := range trueLabels {
		confusion[trueLabels[i]][predLabels[i]]++
		if trueLabels[i] == predLabels[i] {
			correct++
		}
	}
	total := len(trueLabels)

	report := &models.EvaluationReport{
		Classes:   append([]string(nil), classes...),
		Confusion: confusion,
		PerClass:  make([]models.ClassMetrics, k),
	}
	if total > 0 {
		report.Accuracy = float64(correct) / float64(total)
	}

	var weightedF1 float64
	for c := 0; c < k; c++ {
		tp := confusion[c][c]
		support := 0
		predicted := 0
		for j := 0; j < k; j++ {
			support += confusion[c][j]
			predicted += confusion[j][c]
		}
		m := models.ClassMetrics{Class: classes[c], Support: support}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			m.Recall = float64(tp) / float64(support)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		report.PerClass[c] = m
		weightedF1 += m.F1 * float64(support)
	}
	if total > 0 {
		report.WeightedF1 = weightedF1 / float64(total)
	}

	if benign, ok := vocab.BenignClass(); ok {
		report.Binary = binaryCollapse(trueLabels, predLabels, classes, benign)
	}
	return report
}

// binaryCollapse folds every non-benign class into a single attack
// class.
func binaryCollapse(trueLabels, predLabels []int, classes []string, benign string) *models.BinaryReport {
	benignID := -1
	for i, name := range classes {
		if name == benign {
			benignID = i
			break
		}
	}
	if benignID < 0 {
		return nil
	}

	var b models.BinaryReport
	for i := range trueLabels {
		tRow := 1
		if trueLabels[i] == benignID {
			tRow = 0
		}
		pCol := 1
		if predLabels[i] == benignID {
			pCol = 0
		}
		b.Confusion[tRow][pCol]++
	}
	tn := float64(b.Confusion[0][0])
	fp := float64(b.Confusion[0][1])
	fn := float64(b.Confusion[1][0])
	tp := float64(b.Confusion[1][1])
	total := tn + fp + fn + tp
	if total > 0 {
		b.Accuracy = (tp + tn) / total
	}
	if tp+fp > 0 {
		b.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		b.Recall = tp / (tp + fn)
	}
	if b.Precision+b.Recall > 0 {
		b.F1 = 2 * b.Precision * b.Recall / (b.Precision + b.Recall)
	}
	return &b
}
