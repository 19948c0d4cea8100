// Package models defines the core data types shared across the LAFM-Net
// pipeline: flow records, label vocabularies and evaluation reports.
package models

import (
	"fmt"
	"sort"
	"strings"
)

// FlowRecord is one network-flow sample: a fixed-length numeric feature
// vector plus its raw dataset label. Feature length must be constant
// across a dataset after upstream cleaning.
type FlowRecord struct {
	Features []float64
	Label    string
}

// =============================================================================
// Label Vocabularies
// =============================================================================

// LabelVocabulary maps raw dataset label strings onto a closed class set.
// Implementations exist per dataset family so the core never branches on
// dataset identity.
type LabelVocabulary interface {
	// Name identifies the vocabulary (e.g. "cic-ids-2018").
	Name() string
	// Classes returns the canonical class names; the slice index is the
	// encoded class ID.
	Classes() []string
	// Consolidate maps a raw label onto a canonical class name.
	Consolidate(raw string) string
	// BenignClass returns the canonical benign class name, if the
	// vocabulary has one.
	BenignClass() (string, bool)
}

// CICIDS2018 consolidates the CSE-CIC-IDS-2018 label set into six
// categories. Class IDs follow the alphabetical order of the canonical
// names, matching the encoding used when the model family was introduced.
type CICIDS2018 struct{}

func (CICIDS2018) Name() string { return "cic-ids-2018" }

func (CICIDS2018) Classes() []string {
	return []string{"Benign", "Botnet", "Brute Force", "DDoS", "DoS", "Infiltration"}
}

// Consolidate folds the ~15 raw labels into the six categories. The DDoS
// check runs before the DoS check because every DDoS label also contains
// "dos".
func (CICIDS2018) Consolidate(raw string) string {
	label := strings.ToLower(raw)
	switch {
	case strings.Contains(label, "benign"):
		return "Benign"
	case strings.Contains(label, "ddos"):
		return "DDoS"
	case strings.Contains(label, "dos"):
		return "DoS"
	case strings.Contains(label, "bot"):
		return "Botnet"
	case strings.Contains(label, "infil"):
		return "Infiltration"
	default:
		// Brute force, SSH/FTP patator, web attacks, XSS, SQL injection
		// and anything unrecognized.
		return "Brute Force"
	}
}

func (CICIDS2018) BenignClass() (string, bool) { return "Benign", true }

// CICDDoS2019 collapses the CIC-DDoS-2019 label set (one label per DDoS
// reflection/exploitation vector) into a binary benign-vs-DDoS vocabulary.
type CICDDoS2019 struct{}

func (CICDDoS2019) Name() string { return "cic-ddos-2019" }

func (CICDDoS2019) Classes() []string { return []string{"Benign", "DDoS"} }

func (CICDDoS2019) Consolidate(raw string) string {
	if strings.Contains(strings.ToLower(raw), "benign") {
		return "Benign"
	}
	return "DDoS"
}

func (CICDDoS2019) BenignClass() (string, bool) { return "Benign", true }

// VocabularyByName resolves a vocabulary identifier supplied by the data
// collaborator.
func VocabularyByName(name string) (LabelVocabulary, error) {
	switch strings.ToLower(name) {
	case "cic-ids-2018", "2018":
		return CICIDS2018{}, nil
	case "cic-ddos-2019", "2019", "binary":
		return CICDDoS2019{}, nil
	default:
		return nil, fmt.Errorf("unknown label vocabulary %q", name)
	}
}

// =============================================================================
// Dataset
// =============================================================================

// Dataset is a column-aligned feature matrix with encoded labels. Labels
// are encoded against a LabelVocabulary at construction.
type Dataset struct {
	Features [][]float64
	Labels   []int
	Vocab    LabelVocabulary
}

// NewDataset encodes records against the vocabulary. Feature-vector
// validation (length, finiteness) is the feature projector's concern and
// is deliberately not duplicated here.
func NewDataset(records []FlowRecord, vocab LabelVocabulary) (*Dataset, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records supplied")
	}
	index := make(map[string]int, len(vocab.Classes()))
	for i, name := range vocab.Classes() {
		index[name] = i
	}

	ds := &Dataset{
		Features: make([][]float64, len(records)),
		Labels:   make([]int, len(records)),
		Vocab:    vocab,
	}
	for i, rec := range records {
		class := vocab.Consolidate(rec.Label)
		id, ok := index[class]
		if !ok {
			return nil, fmt.Errorf("vocabulary %s consolidated %q to unknown class %q", vocab.Name(), rec.Label, class)
		}
		ds.Features[i] = rec.Features
		ds.Labels[i] = id
	}
	return ds, nil
}

// NumClasses returns the size of the class vocabulary.
func (d *Dataset) NumClasses() int { return len(d.Vocab.Classes()) }

// ClassDistribution returns per-class sample counts.
func (d *Dataset) ClassDistribution() map[string]int {
	classes := d.Vocab.Classes()
	dist := make(map[string]int, len(classes))
	for _, id := range d.Labels {
		dist[classes[id]]++
	}
	return dist
}

// =============================================================================
// Predictions and Evaluation Reports
// =============================================================================

// Prediction is the output of a single classification.
type Prediction struct {
	Label         string    `json:"label"`
	Class         int       `json:"class"`
	Confidence    float64   `json:"confidence"`
	Probabilities []float64 `json:"probabilities"`
}

// ClassMetrics holds per-class evaluation metrics.
type ClassMetrics struct {
	Class     string  `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// BinaryReport is the benign-vs-attack collapse of a multiclass
// evaluation.
type BinaryReport struct {
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"` // of the attack class
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	Confusion [2][2]int `json:"confusion"` // rows: true benign/attack
}

// EvaluationReport is the structured output of Evaluate. Rendering
// (plots, heatmaps) is a downstream collaborator's concern.
type EvaluationReport struct {
	Accuracy   float64        `json:"accuracy"`
	WeightedF1 float64        `json:"weighted_f1"`
	Classes    []string       `json:"classes"`
	PerClass   []ClassMetrics `json:"per_class"`
	Confusion  [][]int        `json:"confusion"` // rows true, cols predicted
	Binary     *BinaryReport  `json:"binary,omitempty"`
}

// TopClasses returns class names ordered by support, largest first.
// Useful for compact logging of skewed datasets.
func (r *EvaluationReport) TopClasses() []string {
	out := make([]string, len(r.PerClass))
	idx := make([]int, len(r.PerClass))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return r.PerClass[idx[a]].Support > r.PerClass[idx[b]].Support
	})
	for i, j := range idx {
		out[i] = r.PerClass[j].Class
	}
	return out
}
