package tensor

import (
	"math"
	"testing"
)

func TestMaxPoolForwardSmall(t *testing.T) {
	t.Parallel()

	// 1x4x4x1 input, 2x2 window, stride 2: plain non-overlapping pooling.
	x := NewTensorFromData(1, 4, 4, 1, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})
	y := NewTensor(1, 2, 2, 1)
	argmax := make([]int32, len(y.Data))
	MaxPoolForward(&y, argmax, &x, 2, 2)

	want := []float32{6, 8, 14, 16}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Fatalf("y[%d] = %v, want %v", i, y.Data[i], want[i])
		}
	}
	for i, idx := range argmax {
		if x.Data[idx] != want[i] {
			t.Fatalf("argmax[%d] points at %v, want %v", i, x.Data[idx], want[i])
		}
	}
}

func TestMaxPoolPaddingNeverWins(t *testing.T) {
	t.Parallel()

	// All-negative input with a window that hangs over the border. A padded
	// zero must not beat the real values.
	x := NewTensor(1, 5, 5, 1)
	for i := range x.Data {
		x.Data[i] = -1 - float32(i)
	}
	y := NewTensor(1, 3, 3, 1)
	argmax := make([]int32, len(y.Data))
	MaxPoolForward(&y, argmax, &x, 3, 2)

	for i, v := range y.Data {
		if v >= 0 {
			t.Fatalf("output %d is %v; padding leaked into the max", i, v)
		}
		if argmax[i] < 0 {
			t.Fatalf("output %d has no winning tap", i)
		}
	}
}

func TestMaxPoolMatchesNaive(t *testing.T) {
	t.Parallel()

	x := randTensor(2, 7, 7, 3, 51)
	oh := ConvOutSize(7, 2)
	y := NewTensor(2, oh, oh, 3)
	argmax := make([]int32, len(y.Data))
	MaxPoolForward(&y, argmax, &x, 3, 2)

	padH := samePadBegin(7, 3, 2)
	for n := 0; n < 2; n++ {
		for outY := 0; outY < oh; outY++ {
			for outX := 0; outX < oh; outX++ {
				for c := 0; c < 3; c++ {
					best := float32(math.Inf(-1))
					for ky := 0; ky < 3; ky++ {
						iy := outY*2 - padH + ky
						if iy < 0 || iy >= 7 {
							continue
						}
						for kx := 0; kx < 3; kx++ {
							ix := outX*2 - padH + kx
							if ix < 0 || ix >= 7 {
								continue
							}
							if v := x.At(n, iy, ix, c); v > best {
								best = v
							}
						}
					}
					if got := y.At(n, outY, outX, c); got != best {
						t.Fatalf("pool(%d,%d,%d,%d) = %v, want %v", n, outY, outX, c, got, best)
					}
				}
			}
		}
	}
}

func TestMaxPoolBackwardRoutesToWinner(t *testing.T) {
	t.Parallel()

	x := randTensor(1, 4, 4, 2, 52)
	y := NewTensor(1, 2, 2, 2)
	argmax := make([]int32, len(y.Data))
	MaxPoolForward(&y, argmax, &x, 2, 2)

	dy := randTensor(1, 2, 2, 2, 53)
	dx := NewTensor(1, 4, 4, 2)
	MaxPoolBackward(&dx, &dy, argmax)

	// Every dy element lands exactly on its argmax and nowhere else.
	var sumDy, sumDx float64
	for _, v := range dy.Data {
		sumDy += float64(v)
	}
	for _, v := range dx.Data {
		sumDx += float64(v)
	}
	if math.Abs(sumDy-sumDx) > 1e-5 {
		t.Fatalf("gradient mass not conserved: dy sum %v, dx sum %v", sumDy, sumDx)
	}
	for i, idx := range argmax {
		if dx.Data[idx] == 0 && dy.Data[i] != 0 {
			t.Fatalf("gradient for output %d missing at input %d", i, idx)
		}
	}
}
