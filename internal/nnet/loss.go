package nnet

import "math"

// MSE returns the mean squared error between pred and target along with
// the gradient with respect to pred.
func MSE(pred, target *Tensor) (float64, *Tensor, error) {
	if !SameShape(pred, target) {
		return 0, nil, &ShapeMismatchError{Op: "MSE", Want: target.Shape, Got: pred.Shape}
	}
	grad := NewTensor(pred.Shape...)
	n := float64(len(pred.Data))
	var loss float64
	for i := range pred.Data {
		d := pred.Data[i] - target.Data[i]
		loss += d * d
		grad.Data[i] = 2 * d / n
	}
	return loss / n, grad, nil
}

// Softmax converts logits [N, K] into per-row probability distributions.
func Softmax(logits *Tensor) [][]float64 {
	n, k := logits.Shape[0], logits.Shape[1]
	out := make([][]float64, n)
	for bi := 0; bi < n; bi++ {
		row := logits.Data[bi*k : (bi+1)*k]
		maxv := row[0]
		for _, v := range row[1:] {
			if v > maxv {
				maxv = v
			}
		}
		probs := make([]float64, k)
		var sum float64
		for i, v := range row {
			e := math.Exp(v - maxv)
			probs[i] = e
			sum += e
		}
		for i := range probs {
			probs[i] /= sum
		}
		out[bi] = probs
	}
	return out
}

// FocalLoss is the balanced focal loss used for the heavily skewed
// attack-class distribution. Gamma = 0 reduces it to alpha-weighted
// cross-entropy.
type FocalLoss struct {
	Alpha float64
	Gamma float64
}

// Loss returns the mean focal loss for logits [N, K] against integer
// labels and the gradient with respect to the logits.
func (f FocalLoss) Loss(logits *Tensor, labels []int) (float64, *Tensor, error) {
	n, k := logits.Shape[0], logits.Shape[1]
	if len(labels) != n {
		return 0, nil, &ShapeMismatchError{Op: "FocalLoss", Want: []int{n}, Got: []int{len(labels)}}
	}
	probs := Softmax(logits)
	grad := NewTensor(n, k)
	var total float64
	for bi := 0; bi < n; bi++ {
		t := labels[bi]
		pt := probs[bi][t]
		if pt < 1e-12 {
			pt = 1e-12
		}
		ce := -math.Log(pt)
		oneMinus := 1 - pt
		focal := math.Pow(oneMinus, f.Gamma)
		total += f.Alpha * focal * ce

		// d/dz_j [alpha (1-pt)^g ce] =
		//   alpha (p_j - 1{j=t}) (g (1-pt)^(g-1) pt ce + (1-pt)^g)
		var scale float64
		if f.Gamma > 0 && oneMinus > 0 {
			scale = f.Alpha * (f.Gamma*math.Pow(oneMinus, f.Gamma-1)*pt*ce + focal)
		} else {
			scale = f.Alpha * focal
		}
		for j := 0; j < k; j++ {
			p := probs[bi][j]
			ind := 0.0
			if j == t {
				ind = 1.0
			}
			grad.Data[bi*k+j] = scale * (p - ind) / float64(n)
		}
	}
	return total / float64(n), grad, nil
}
