// Package features turns cleaned flow feature vectors into the
// fixed-size, multi-channel tensor representation the networks consume:
// a standardizing PCA projection followed by a deterministic reshape.
package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// InvalidInputError reports malformed feature vectors from the upstream
// data collaborator: ragged rows, NaN or infinite values, or a length
// that does not match the fitted model.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

// DegenerateDataError reports training data too poor to fit any
// projection (every column constant).
type DegenerateDataError struct {
	Reason string
}

func (e *DegenerateDataError) Error() string {
	return "degenerate training data: " + e.Reason
}

// ProjectionModel is the fitted dimensionality-reduction transform:
// per-feature centering/scaling statistics plus a linear basis of
// TotalFeatures directions. It is fit once on the training split and
// immutable afterward; refitting on validation or test data would leak.
//
// Rank-deficiency policy: when the training data supports fewer than
// TotalFeatures non-degenerate directions, the model keeps the available
// EffectiveComponents and Transform zero-pads the embedding tail. This
// mirrors the established behavior of the model family rather than
// failing the run; only fully constant data is rejected.
type ProjectionModel struct {
	InputDim            int         `json:"input_dim"`
	TotalFeatures       int         `json:"total_features"`
	EffectiveComponents int         `json:"effective_components"`
	Mean                []float64   `json:"mean"`
	Scale               []float64   `json:"scale"`
	Components          [][]float64 `json:"components"` // [component][input_dim]
}

// singular values below this fraction of the largest are treated as
// noise directions
const rankTolerance = 1e-10

// Fit learns the standardization statistics and PCA basis from the
// training vectors. The input must be a non-empty collection of
// equal-length, finite vectors.
func Fit(vectors [][]float64, totalFeatures int) (*ProjectionModel, error) {
	if totalFeatures <= 0 {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("total features must be positive, got %d", totalFeatures)}
	}
	if err := validateMatrix(vectors); err != nil {
		return nil, err
	}

	n := len(vectors)
	d := len(vectors[0])
	model := &ProjectionModel{
		InputDim:      d,
		TotalFeatures: totalFeatures,
		Mean:          make([]float64, d),
		Scale:         make([]float64, d),
	}

	for _, row := range vectors {
		for j, v := range row {
			model.Mean[j] += v
		}
	}
	for j := range model.Mean {
		model.Mean[j] /= float64(n)
	}

	degenerate := true
	for j := 0; j < d; j++ {
		var sq float64
		for _, row := range vectors {
			dev := row[j] - model.Mean[j]
			sq += dev * dev
		}
		std := math.Sqrt(sq / float64(n))
		if std > 0 {
			degenerate = false
			model.Scale[j] = std
		} else {
			// constant column: centered values are zero either way
			model.Scale[j] = 1
		}
	}
	if degenerate {
		return nil, &DegenerateDataError{Reason: "every feature column is constant"}
	}

	standardized := mat.NewDense(n, d, nil)
	for i, row := range vectors {
		for j, v := range row {
			standardized.Set(i, j, (v-model.Mean[j])/model.Scale[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(standardized, mat.SVDThinV); !ok {
		return nil, &DegenerateDataError{Reason: "SVD of the standardized training matrix failed to converge"}
	}
	values := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	maxComponents := totalFeatures
	if len(values) < maxComponents {
		maxComponents = len(values)
	}
	effective := 0
	for effective < maxComponents && values[effective] > values[0]*rankTolerance {
		effective++
	}
	if effective == 0 {
		return nil, &DegenerateDataError{Reason: "no non-degenerate principal directions"}
	}

	model.EffectiveComponents = effective
	model.Components = make([][]float64, effective)
	for c := 0; c < effective; c++ {
		comp := make([]float64, d)
		for j := 0; j < d; j++ {
			comp[j] = v.At(j, c)
		}
		model.Components[c] = comp
	}
	return model, nil
}

// Transform projects a single vector to an embedding of length
// TotalFeatures. It is a pure function of (model, vector); trailing
// positions beyond EffectiveComponents are zero.
func (m *ProjectionModel) Transform(vector []float64) ([]float64, error) {
	if len(vector) != m.InputDim {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("vector length %d, model expects %d", len(vector), m.InputDim)}
	}
	z := make([]float64, m.InputDim)
	for j, val := range vector {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, &InvalidInputError{Reason: fmt.Sprintf("non-finite value at feature %d", j)}
		}
		z[j] = (val - m.Mean[j]) / m.Scale[j]
	}
	out := make([]float64, m.TotalFeatures)
	for c := 0; c < m.EffectiveComponents; c++ {
		comp := m.Components[c]
		var sum float64
		for j, zv := range z {
			sum += zv * comp[j]
		}
		out[c] = sum
	}
	return out, nil
}

// TransformAll projects a batch of vectors.
func (m *ProjectionModel) TransformAll(vectors [][]float64) ([][]float64, error) {
	out := make([][]float64, len(vectors))
	for i, vec := range vectors {
		e, err := m.Transform(vec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

func validateMatrix(vectors [][]float64) error {
	if len(vectors) == 0 {
		return &InvalidInputError{Reason: "empty training set"}
	}
	width := len(vectors[0])
	if width == 0 {
		return &InvalidInputError{Reason: "zero-width feature vectors"}
	}
	for i, row := range vectors {
		if len(row) != width {
			return &InvalidInputError{Reason: fmt.Sprintf("row %d has length %d, want %d", i, len(row), width)}
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &InvalidInputError{Reason: fmt.Sprintf("non-finite value at row %d, feature %d", i, j)}
			}
		}
	}
	return nil
}
