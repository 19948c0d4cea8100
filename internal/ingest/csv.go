// Package ingest loads CICFlowMeter CSV exports into flow records:
// metadata columns are dropped, numeric features parsed, unusable rows
// skipped and exact duplicates removed.
package ingest

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/cvalentine99/lafm-net/internal/models"
)

// metadata columns that identify rather than describe a flow
var droppedColumns = map[string]bool{
	"flow id":             true,
	"src ip":              true,
	"src port":            true,
	"dst ip":              true,
	"dst port":            true,
	"timestamp":           true,
	"fwd header length.1": true,
	"source ip":           true,
	"source port":         true,
	"destination ip":      true,
	"destination port":    true,
}

const labelColumn = "label"

// Stats summarizes one CSV load.
type Stats struct {
	Rows       int
	Kept       int
	NonNumeric int
	NonFinite  int
	Duplicates int
}

// Loader reads CICFlowMeter CSVs.
type Loader struct {
	log *logrus.Logger
}

// NewLoader creates a loader; log may be nil.
func NewLoader(log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
	}
	return &Loader{log: log}
}

// LoadFile reads one CSV file.
func (l *Loader) LoadFile(path string) ([]models.FlowRecord, *Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	records, stats, err := l.Load(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, stats, nil
}

// Load reads CSV flow data from r. The header row must contain a Label
// column; all non-dropped, non-label columns are treated as numeric
// features.
func (l *Loader) Load(r io.Reader) ([]models.FlowRecord, *Stats, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}

	labelIdx := -1
	var featureIdx []int
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		switch {
		case key == labelColumn:
			labelIdx = i
		case droppedColumns[key]:
		default:
			featureIdx = append(featureIdx, i)
		}
	}
	if labelIdx < 0 {
		return nil, nil, fmt.Errorf("no %q column in header", labelColumn)
	}
	if len(featureIdx) == 0 {
		return nil, nil, fmt.Errorf("no feature columns in header")
	}

	stats := &Stats{}
	seen := make(map[[32]byte]bool)
	var out []models.FlowRecord

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read row %d: %w", stats.Rows+2, err)
		}
		stats.Rows++

		// repeated header rows appear in concatenated exports
		if strings.EqualFold(strings.TrimSpace(row[labelIdx]), labelColumn) {
			stats.NonNumeric++
			continue
		}

		features := make([]float64, len(featureIdx))
		ok := true
		finite := true
		for j, idx := range featureIdx {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
			if err != nil {
				ok = false
				break
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				finite = false
				break
			}
			features[j] = v
		}
		if !ok {
			stats.NonNumeric++
			continue
		}
		if !finite {
			stats.NonFinite++
			continue
		}

		label := strings.TrimSpace(row[labelIdx])
		if digest := rowDigest(features, label); seen[digest] {
			stats.Duplicates++
			continue
		} else {
			seen[digest] = true
		}
		out = append(out, models.FlowRecord{Features: features, Label: label})
		stats.Kept++
	}

	l.log.WithFields(logrus.Fields{
		"rows":        stats.Rows,
		"kept":        stats.Kept,
		"non_numeric": stats.NonNumeric,
		"non_finite":  stats.NonFinite,
		"duplicates":  stats.Duplicates,
	}).Info("flow CSV loaded")
	return out, stats, nil
}

// rowDigest hashes the numeric features plus the label for exact
// deduplication without keeping row copies.
func rowDigest(features []float64, label string) [32]byte {
	h := blake3.New()
	var buf [8]byte
	for _, v := range features {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	h.Write([]byte(label))
	var out [32]byte
	h.Sum(out[:0])
	return out
}
