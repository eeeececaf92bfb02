package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// ReLU applies max(0,x) to src into dst. dst and src may alias.
func ReLU(dst, src []float32) {
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		} else {
			dst[i] = 0
		}
	}
}

// Clip01 clamps src into [0,1] element-wise into dst. dst and src may alias.
func Clip01(dst, src []float32) {
	for i, v := range src {
		switch {
		case v < 0:
			dst[i] = 0
		case v > 1:
			dst[i] = 1
		default:
			dst[i] = v
		}
	}
}

// MaskGrad zeroes grad wherever the pre-activation pre does not pass the
// nonlinearity: outside (0,1) for clipped activations (hi=1) or below 0 for
// relu (hi left non-positive to disable the upper cut).
func MaskGrad(grad, pre []float32, hi float32) {
	for i, v := range pre {
		if v <= 0 || (hi > 0 && v >= hi) {
			grad[i] = 0
		}
	}
}

// SoftmaxCrossEntropy computes the mean cross-entropy between logits and
// integer labels, writing the loss gradient w.r.t. logits into dLogits
// (already divided by the batch size). Returns the mean loss.
func SoftmaxCrossEntropy(dLogits, logits *Mat, labels []int) float32 {
	if len(labels) != logits.R {
		panic("cross-entropy: label count mismatch")
	}
	if dLogits.R != logits.R || dLogits.C != logits.C {
		panic("cross-entropy: gradient shape mismatch")
	}
	invN := 1 / float32(logits.R)
	var total float64
	for i := 0; i < logits.R; i++ {
		row := logits.Row(i)
		dst := dLogits.Row(i)
		copy(dst, row)
		Softmax(dst)

		label := labels[i]
		if label < 0 || label >= logits.C {
			panic("cross-entropy: label out of range")
		}
		p := float64(dst[label])
		if p < 1e-12 {
			p = 1e-12
		}
		total += -math.Log(p)

		for j := range dst {
			dst[j] *= invN
		}
		dst[label] -= invN
	}
	return float32(total / float64(logits.R))
}

// IncorrectTopK counts how many rows of logits do not contain the true label
// among their k largest entries.
func IncorrectTopK(logits *Mat, labels []int, k int) int {
	wrong := 0
	for i := 0; i < logits.R; i++ {
		row := logits.Row(i)
		target := row[labels[i]]
		higher := 0
		for j, v := range row {
			if j == labels[i] {
				continue
			}
			if v > target {
				higher++
				if higher >= k {
					break
				}
			}
		}
		if higher >= k {
			wrong++
		}
	}
	return wrong
}

// TopK returns the indices of the k largest values in x, descending.
func TopK(x []float32, k int) []int {
	if k > len(x) {
		k = len(x)
	}
	idx := make([]int, 0, k)
	for j := 0; j < k; j++ {
		best := -1
		for i, v := range x {
			used := false
			for _, u := range idx {
				if u == i {
					used = true
					break
				}
			}
			if used {
				continue
			}
			if best < 0 || v > x[best] {
				best = i
			}
		}
		idx = append(idx, best)
	}
	return idx
}
