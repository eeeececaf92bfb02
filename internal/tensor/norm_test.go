package tensor

import (
	"math"
	"testing"
)

const bnEps = 1e-4

func TestBatchNormForwardStats(t *testing.T) {
	t.Parallel()

	x := randTensor(4, 3, 3, 2, 61)
	y := NewTensor(4, 3, 3, 2)
	gamma := []float32{1, 1}
	beta := []float32{0, 0}
	mean := make([]float32, 2)
	variance := make([]float32, 2)

	BatchNormForward(&y, &x, gamma, beta, mean, variance, bnEps)

	// With unit gamma and zero beta the output has zero mean and variance
	// close to one per channel.
	m := float64(4 * 3 * 3)
	for c := 0; c < 2; c++ {
		var sum, sq float64
		for n := 0; n < 4; n++ {
			for h := 0; h < 3; h++ {
				for w := 0; w < 3; w++ {
					v := float64(y.At(n, h, w, c))
					sum += v
					sq += v * v
				}
			}
		}
		if math.Abs(sum/m) > 1e-4 {
			t.Fatalf("channel %d output mean %v, want ~0", c, sum/m)
		}
		if v := sq / m; math.Abs(v-1) > 1e-2 {
			t.Fatalf("channel %d output variance %v, want ~1", c, v)
		}
	}
}

func TestBatchNormAffine(t *testing.T) {
	t.Parallel()

	x := randTensor(2, 2, 2, 1, 62)
	plain := NewTensor(2, 2, 2, 1)
	scaled := NewTensor(2, 2, 2, 1)
	mean := make([]float32, 1)
	variance := make([]float32, 1)

	BatchNormForward(&plain, &x, []float32{1}, []float32{0}, mean, variance, bnEps)
	BatchNormForward(&scaled, &x, []float32{2}, []float32{3}, mean, variance, bnEps)

	for i := range plain.Data {
		want := 2*plain.Data[i] + 3
		if math.Abs(float64(scaled.Data[i]-want)) > 1e-4 {
			t.Fatalf("affine mismatch at %d: got %v want %v", i, scaled.Data[i], want)
		}
	}
}

func TestBatchNormInferenceUsesMovingStats(t *testing.T) {
	t.Parallel()

	x := randTensor(1, 2, 2, 1, 63)
	y := NewTensor(1, 2, 2, 1)
	movMean := []float32{0.5}
	movVar := []float32{4}
	gamma := []float32{1}
	beta := []float32{0}

	BatchNormInference(&y, &x, gamma, beta, movMean, movVar, bnEps)

	invStd := 1 / math.Sqrt(4+bnEps)
	for i := range x.Data {
		want := float32((float64(x.Data[i]) - 0.5) * invStd)
		if math.Abs(float64(y.Data[i]-want)) > 1e-5 {
			t.Fatalf("inference mismatch at %d: got %v want %v", i, y.Data[i], want)
		}
	}
}

// TestBatchNormBackwardNumerical verifies dx, dgamma and dbeta against central
// differences of sum(bn(x) * r) on a tiny tensor.
func TestBatchNormBackwardNumerical(t *testing.T) {
	t.Parallel()

	const n, h, w, c = 3, 2, 2, 2
	x := randTensor(n, h, w, c, 65)
	gamma := []float32{1.3, 0.7}
	beta := []float32{0.2, -0.4}
	r := randTensor(n, h, w, c, 66)

	mean := make([]float32, c)
	variance := make([]float32, c)
	loss := func() float64 {
		y := NewTensor(n, h, w, c)
		BatchNormForward(&y, &x, gamma, beta, mean, variance, bnEps)
		var sum float64
		for i := range y.Data {
			sum += float64(y.Data[i] * r.Data[i])
		}
		return sum
	}

	y := NewTensor(n, h, w, c)
	BatchNormForward(&y, &x, gamma, beta, mean, variance, bnEps)
	dx := NewTensor(n, h, w, c)
	dgamma := make([]float32, c)
	dbeta := make([]float32, c)
	BatchNormBackward(&dx, &r, &x, gamma, mean, variance, bnEps, dgamma, dbeta)

	const eps = 1e-3
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		lp := loss()
		x.Data[i] = orig - eps
		lm := loss()
		x.Data[i] = orig

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-float64(dx.Data[i])) > 5e-2 {
			t.Fatalf("dx[%d]: analytic %v numeric %v", i, dx.Data[i], num)
		}
	}
	for i := range gamma {
		orig := gamma[i]
		gamma[i] = orig + eps
		lp := loss()
		gamma[i] = orig - eps
		lm := loss()
		gamma[i] = orig

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-float64(dgamma[i])) > 5e-2 {
			t.Fatalf("dgamma[%d]: analytic %v numeric %v", i, dgamma[i], num)
		}
	}
	for i := range beta {
		orig := beta[i]
		beta[i] = orig + eps
		lp := loss()
		beta[i] = orig - eps
		lm := loss()
		beta[i] = orig

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-float64(dbeta[i])) > 5e-2 {
			t.Fatalf("dbeta[%d]: analytic %v numeric %v", i, dbeta[i], num)
		}
	}
}

func TestUpdateMoving(t *testing.T) {
	t.Parallel()

	movMean := []float32{1}
	movVar := []float32{2}
	UpdateMoving(movMean, movVar, []float32{3}, []float32{4}, 0.9)

	if math.Abs(float64(movMean[0]-1.2)) > 1e-6 {
		t.Fatalf("moving mean = %v, want 1.2", movMean[0])
	}
	if math.Abs(float64(movVar[0]-2.2)) > 1e-6 {
		t.Fatalf("moving var = %v, want 2.2", movVar[0])
	}
}
