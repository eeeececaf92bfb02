package tensor

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	t.Parallel()

	x := []float32{1, 2, 3}
	Softmax(x)

	var sum float64
	for _, v := range x {
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("softmax sums to %v", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Fatalf("softmax not order-preserving: %v", x)
	}

	// Large logits must not overflow.
	big := []float32{1000, 1001, 1002}
	Softmax(big)
	for i, v := range big {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax unstable at %d: %v", i, v)
		}
	}
}

func TestReLUAndClip01(t *testing.T) {
	t.Parallel()

	src := []float32{-2, -0.5, 0, 0.5, 1, 1.5}
	r := make([]float32, len(src))
	ReLU(r, src)
	wantR := []float32{0, 0, 0, 0.5, 1, 1.5}
	for i := range wantR {
		if r[i] != wantR[i] {
			t.Fatalf("relu[%d] = %v, want %v", i, r[i], wantR[i])
		}
	}

	c := make([]float32, len(src))
	Clip01(c, src)
	wantC := []float32{0, 0, 0, 0.5, 1, 1}
	for i := range wantC {
		if c[i] != wantC[i] {
			t.Fatalf("clip[%d] = %v, want %v", i, c[i], wantC[i])
		}
	}
}

func TestMaskGrad(t *testing.T) {
	t.Parallel()

	pre := []float32{-1, 0, 0.5, 1, 2}
	grad := []float32{1, 1, 1, 1, 1}
	MaskGrad(grad, pre, 1)
	want := []float32{0, 0, 1, 0, 0}
	for i := range want {
		if grad[i] != want[i] {
			t.Fatalf("clipped mask[%d] = %v, want %v", i, grad[i], want[i])
		}
	}

	grad = []float32{1, 1, 1, 1, 1}
	MaskGrad(grad, pre, 0)
	want = []float32{0, 0, 1, 1, 1}
	for i := range want {
		if grad[i] != want[i] {
			t.Fatalf("relu mask[%d] = %v, want %v", i, grad[i], want[i])
		}
	}
}

func TestSoftmaxCrossEntropy(t *testing.T) {
	t.Parallel()

	logits := NewMatFromData(2, 3, []float32{
		2, 1, 0,
		0, 0, 0,
	})
	dLogits := NewMat(2, 3)
	loss := SoftmaxCrossEntropy(&dLogits, &logits, []int{0, 2})

	// Row 0: -log softmax(2;[2,1,0]); row 1: -log(1/3).
	p0 := math.Exp(2) / (math.Exp(2) + math.Exp(1) + 1)
	want := (-math.Log(p0) - math.Log(1.0/3)) / 2
	if math.Abs(float64(loss)-want) > 1e-5 {
		t.Fatalf("loss = %v, want %v", loss, want)
	}

	// Gradient rows sum to zero and the label entry is negative.
	for i := 0; i < 2; i++ {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(dLogits.At(i, j))
		}
		if math.Abs(sum) > 1e-6 {
			t.Fatalf("row %d gradient sums to %v", i, sum)
		}
	}
	if dLogits.At(0, 0) >= 0 || dLogits.At(1, 2) >= 0 {
		t.Fatalf("label gradients must be negative: %v %v", dLogits.At(0, 0), dLogits.At(1, 2))
	}
}

func TestSoftmaxCrossEntropyNumericalGrad(t *testing.T) {
	t.Parallel()

	logits := randMat(3, 5, 71)
	labels := []int{1, 4, 0}
	dLogits := NewMat(3, 5)
	SoftmaxCrossEntropy(&dLogits, &logits, labels)

	scratch := NewMat(3, 5)
	const eps = 1e-2
	for i := 0; i < logits.R; i++ {
		for j := 0; j < logits.C; j++ {
			orig := logits.At(i, j)
			logits.Set(i, j, orig+eps)
			lp := float64(SoftmaxCrossEntropy(&scratch, &logits, labels))
			logits.Set(i, j, orig-eps)
			lm := float64(SoftmaxCrossEntropy(&scratch, &logits, labels))
			logits.Set(i, j, orig)

			num := (lp - lm) / (2 * eps)
			if math.Abs(num-float64(dLogits.At(i, j))) > 1e-3 {
				t.Fatalf("dlogits(%d,%d): analytic %v numeric %v", i, j, dLogits.At(i, j), num)
			}
		}
	}
}

func TestIncorrectTopK(t *testing.T) {
	t.Parallel()

	logits := NewMatFromData(3, 4, []float32{
		0.9, 0.1, 0.0, 0.0, // label 0: top-1 correct
		0.5, 0.4, 0.3, 0.2, // label 1: top-1 wrong, top-2 correct
		0.4, 0.3, 0.2, 0.1, // label 3: wrong even at top-3
	})
	labels := []int{0, 1, 3}

	if got := IncorrectTopK(&logits, labels, 1); got != 2 {
		t.Fatalf("top-1 incorrect = %d, want 2", got)
	}
	if got := IncorrectTopK(&logits, labels, 2); got != 1 {
		t.Fatalf("top-2 incorrect = %d, want 1", got)
	}
	if got := IncorrectTopK(&logits, labels, 4); got != 0 {
		t.Fatalf("top-4 incorrect = %d, want 0", got)
	}
}

func TestTopK(t *testing.T) {
	t.Parallel()

	x := []float32{0.1, 0.7, 0.3, 0.9, 0.5}
	got := TopK(x, 3)
	want := []int{3, 1, 4}
	if len(got) != len(want) {
		t.Fatalf("TopK returned %d indices, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TopK[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if got := TopK(x, 10); len(got) != len(x) {
		t.Fatalf("oversized k should clamp to %d, got %d", len(x), len(got))
	}
}

func TestAddScaleDot(t *testing.T) {
	t.Parallel()

	a := []float32{1, 2, 3}
	Add(a, []float32{1, 1, 1})
	if a[0] != 2 || a[1] != 3 || a[2] != 4 {
		t.Fatalf("Add result %v", a)
	}
	Scale(a, 0.5)
	if a[0] != 1 || a[1] != 1.5 || a[2] != 2 {
		t.Fatalf("Scale result %v", a)
	}
	if got := Dot([]float32{1, 2}, []float32{3, 4}); got != 11 {
		t.Fatalf("Dot = %v, want 11", got)
	}
}
