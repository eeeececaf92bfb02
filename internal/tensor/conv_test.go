package tensor

import (
	"math"
	"math/rand"
	"testing"
)

// naiveConv is a direct SAME-padded convolution used as the reference for the
// im2col path. w is [KH*KW*C x OutC] with rows in (ky, kx, c) order.
func naiveConv(x *Tensor, w *Mat, kh, kw, stride int) Tensor {
	oh := ConvOutSize(x.H, stride)
	ow := ConvOutSize(x.W, stride)
	padH := samePadBegin(x.H, kh, stride)
	padW := samePadBegin(x.W, kw, stride)
	y := NewTensor(x.N, oh, ow, w.C)

	for n := 0; n < x.N; n++ {
		for outY := 0; outY < oh; outY++ {
			for outX := 0; outX < ow; outX++ {
				for oc := 0; oc < w.C; oc++ {
					var sum float32
					for ky := 0; ky < kh; ky++ {
						iy := outY*stride - padH + ky
						if iy < 0 || iy >= x.H {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							ix := outX*stride - padW + kx
							if ix < 0 || ix >= x.W {
								continue
							}
							for c := 0; c < x.C; c++ {
								sum += x.At(n, iy, ix, c) * w.At((ky*kw+kx)*x.C+c, oc)
							}
						}
					}
					y.Set(n, outY, outX, oc, sum)
				}
			}
		}
	}
	return y
}

func randTensor(n, h, w, c int, seed int64) Tensor {
	t := NewTensor(n, h, w, c)
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2 - 1)
	}
	return t
}

func TestConvOutSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, stride, want int
	}{
		{224, 2, 112},
		{112, 2, 56},
		{56, 2, 28},
		{28, 2, 14},
		{14, 1, 14},
		{14, 2, 7},
		{7, 1, 7},
	}
	for _, tc := range tests {
		if got := ConvOutSize(tc.in, tc.stride); got != tc.want {
			t.Errorf("ConvOutSize(%d,%d) = %d, want %d", tc.in, tc.stride, got, tc.want)
		}
	}
}

func TestConv2DForwardMatchesNaive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, h, w, c     int
		kh, kw, outC   int
		stride         int
	}{
		{1, 5, 5, 1, 3, 3, 2, 1},
		{2, 7, 7, 3, 3, 3, 4, 2},
		{1, 9, 6, 2, 5, 5, 3, 2},
		{2, 8, 8, 2, 7, 7, 2, 2},
		{1, 4, 4, 3, 1, 1, 5, 1},
	}
	for _, tc := range tests {
		x := randTensor(tc.n, tc.h, tc.w, tc.c, 11)
		w := randMat(tc.kh*tc.kw*tc.c, tc.outC, 12)

		want := naiveConv(&x, &w, tc.kh, tc.kw, tc.stride)
		got := NewTensor(tc.n, ConvOutSize(tc.h, tc.stride), ConvOutSize(tc.w, tc.stride), tc.outC)
		var cols Mat
		Conv2DForward(&got, &x, &w, &cols, tc.kh, tc.kw, tc.stride)

		for i := range want.Data {
			if math.Abs(float64(got.Data[i]-want.Data[i])) > 1e-4 {
				t.Fatalf("conv %dx%dx%dx%d k%dx%d s%d: element %d got %v want %v",
					tc.n, tc.h, tc.w, tc.c, tc.kh, tc.kw, tc.stride, i, got.Data[i], want.Data[i])
			}
		}
	}
}

// TestConv2DBackwardNumerical checks dw and dx against central finite
// differences of a scalar loss sum(conv(x,w) * r) on a tiny problem.
func TestConv2DBackwardNumerical(t *testing.T) {
	t.Parallel()

	const (
		n, h, wd, c = 1, 5, 5, 2
		kh, kw      = 3, 3
		outC        = 2
		stride      = 2
	)
	x := randTensor(n, h, wd, c, 21)
	w := randMat(kh*kw*c, outC, 22)
	oh := ConvOutSize(h, stride)
	ow := ConvOutSize(wd, stride)

	// Fixed cotangent so the loss is a plain weighted sum of outputs.
	r := randTensor(n, oh, ow, outC, 23)
	loss := func() float64 {
		y := NewTensor(n, oh, ow, outC)
		var cols Mat
		Conv2DForward(&y, &x, &w, &cols, kh, kw, stride)
		var sum float64
		for i := range y.Data {
			sum += float64(y.Data[i] * r.Data[i])
		}
		return sum
	}

	y := NewTensor(n, oh, ow, outC)
	var cols, dcols Mat
	Conv2DForward(&y, &x, &w, &cols, kh, kw, stride)

	dw := NewMat(kh*kw*c, outC)
	dx := NewTensor(n, h, wd, c)
	Conv2DBackward(&dx, &dw, &r, &w, &cols, &dcols, kh, kw, stride)

	const eps = 1e-2
	for i := range w.Data {
		orig := w.Data[i]
		w.Data[i] = orig + eps
		lp := loss()
		w.Data[i] = orig - eps
		lm := loss()
		w.Data[i] = orig

		num := (lp - lm) / (2 * eps)
		if math.Abs(num-float64(dw.Data[i])) > 5e-2 {
			t.Fatalf("dw[%d]: analytic %v numeric %v", i, dw.Data[i], num)
		}
	}
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
}

func TestConv2DBackwardAccumulatesWeightGrad(t *testing.T) {
	t.Parallel()

	x := randTensor(1, 4, 4, 1, 31)
	w := randMat(9, 2, 32)
	y := NewTensor(1, 4, 4, 2)
	var cols, dcols Mat
	Conv2DForward(&y, &x, &w, &cols, 3, 3, 1)

	dy := randTensor(1, 4, 4, 2, 33)

	single := NewMat(9, 2)
	Conv2DBackward(nil, &single, &dy, &w, &cols, &dcols, 3, 3, 1)

	double := NewMat(9, 2)
	Conv2DBackward(nil, &double, &dy, &w, &cols, &dcols, 3, 3, 1)
	Conv2DBackward(nil, &double, &dy, &w, &cols, &dcols, 3, 3, 1)

	for i := range single.Data {
		if math.Abs(float64(double.Data[i]-2*single.Data[i])) > 1e-4 {
			t.Fatalf("dw accumulation broken at %d", i)
		}
	}
}

func TestIm2colCol2imAdjoint(t *testing.T) {
	t.Parallel()

	// <im2col(x), u> must equal <x, col2im(u)> since the two maps are
	// transposes of each other.
	x := randTensor(2, 6, 5, 3, 41)
	var cols Mat
	Im2col(&cols, &x, 3, 3, 2)

	u := randMat(cols.R, cols.C, 42)
	back := NewTensor(2, 6, 5, 3)
	Col2im(&back, &u, 3, 3, 2)

	var lhs, rhs float64
	for i := range cols.Data {
		lhs += float64(cols.Data[i] * u.Data[i])
	}
	for i := range x.Data {
		rhs += float64(x.Data[i] * back.Data[i])
	}
	if math.Abs(lhs-rhs) > 1e-2 {
		t.Fatalf("adjoint identity violated: %v vs %v", lhs, rhs)
	}
}

func TestEnsureMatReusesBacking(t *testing.T) {
	t.Parallel()

	var m Mat
	EnsureMat(&m, 10, 10)
	first := &m.Data[0]
	EnsureMat(&m, 5, 4)
	if &m.Data[0] != first {
		t.Fatalf("shrinking should reuse the backing slice")
	}
	if m.R != 5 || m.C != 4 || m.Stride != 4 {
		t.Fatalf("unexpected shape after resize: %dx%d stride %d", m.R, m.C, m.Stride)
	}
}
