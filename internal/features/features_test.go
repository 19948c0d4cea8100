package features

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomMatrix(n, d int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, d)
		for j := range row {
			row[j] = rng.NormFloat64()*float64(j+1) + float64(j)
		}
		out[i] = row
	}
	return out
}

func TestFitTransformDeterministic(t *testing.T) {
	data := randomMatrix(200, 20, 1)
	m1, err := Fit(data, 8)
	require.NoError(t, err)
	m2, err := Fit(data, 8)
	require.NoError(t, err)

	e1, err := m1.Transform(data[0])
	require.NoError(t, err)
	e2, err := m2.Transform(data[0])
	require.NoError(t, err)
	assert.Equal(t, e1, e2)

	// repeated transforms of the same vector are identical
	e3, err := m1.Transform(data[0])
	require.NoError(t, err)
	assert.Equal(t, e1, e3)
}

func TestTransformLength(t *testing.T) {
	data := randomMatrix(100, 10, 2)
	m, err := Fit(data, 6)
	require.NoError(t, err)
	e, err := m.Transform(data[3])
	require.NoError(t, err)
	assert.Len(t, e, 6)
	for _, v := range e {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestFitRejectsNaN(t *testing.T) {
	data := randomMatrix(50, 5, 3)
	data[20][2] = math.NaN()
	_, err := Fit(data, 4)
	var ie *InvalidInputError
	require.ErrorAs(t, err, &ie)
}

func TestFitRejectsRaggedRows(t *testing.T) {
	data := randomMatrix(10, 5, 4)
	data[4] = data[4][:3]
	_, err := Fit(data, 4)
	var ie *InvalidInputError
	require.ErrorAs(t, err, &ie)
}

func TestFitRejectsConstantData(t *testing.T) {
	data := make([][]float64, 20)
	for i := range data {
		data[i] = []float64{1, 2, 3}
	}
	_, err := Fit(data, 2)
	var de *DegenerateDataError
	require.ErrorAs(t, err, &de)
}

// Rank-deficient data keeps the available directions and zero-pads the
// tail of every embedding.
func TestFitRankDeficientZeroPads(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([][]float64, 100)
	for i := range data {
		a, b := rng.NormFloat64(), rng.NormFloat64()
		// 6 columns spanned by 2 directions
		data[i] = []float64{a, b, a + b, a - b, 2 * a, 3 * b}
	}
	m, err := Fit(data, 6)
	require.NoError(t, err)
	assert.Less(t, m.EffectiveComponents, 6)

	e, err := m.Transform(data[0])
	require.NoError(t, err)
	require.Len(t, e, 6)
	for i := m.EffectiveComponents; i < 6; i++ {
		assert.Zero(t, e[i])
	}
}

func TestTransformRejectsWrongLengthAndNonFinite(t *testing.T) {
	data := randomMatrix(50, 8, 6)
	m, err := Fit(data, 4)
	require.NoError(t, err)

	var ie *InvalidInputError
	_, err = m.Transform(make([]float64, 5))
	require.ErrorAs(t, err, &ie)

	bad := make([]float64, 8)
	bad[7] = math.Inf(1)
	_, err = m.Transform(bad)
	require.ErrorAs(t, err, &ie)
}

func TestTensorizerRoundTrip(t *testing.T) {
	tz, err := NewTensorizer(4, 4, 64)
	require.NoError(t, err)

	embedding := make([]float64, 64)
	for i := range embedding {
		embedding[i] = float64(i)
	}
	sample, err := tz.Reshape(embedding)
	require.NoError(t, err)
	require.Equal(t, []int{4, 4, 4}, sample.Shape)

	// channel-major placement: element 17 is channel 1, row 0, col 1
	assert.Equal(t, 17.0, sample.Data[1*16+0*4+1])

	back, err := tz.Flatten(sample)
	require.NoError(t, err)
	assert.Equal(t, embedding, back)
}

func TestNewTensorizerShapeContract(t *testing.T) {
	_, err := NewTensorizer(4, 4, 60)
	require.Error(t, err)
}

func TestTensorizerReshapeWrongLength(t *testing.T) {
	tz, err := NewTensorizer(1, 4, 16)
	require.NoError(t, err)
	_, err = tz.Reshape(make([]float64, 15))
	require.Error(t, err)
}
