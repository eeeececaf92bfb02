// Package quant implements the DoReFa low-bitwidth quantizers for weights,
// activations and gradients.
//
// All quantizers are defined for float32 slices. Straight-through estimation
// means the weight and activation quantizers need no backward kernels: their
// gradient is the identity (clipping is handled by the activation nonlinearity).
// The gradient quantizer is the opposite: identity on the forward pass and a
// stochastic k-bit mapping applied to gradients flowing backward.
package quant

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Bits holds the quantization bit-widths for weights, activations and
// gradients. 32 means full precision for that component.
type Bits struct {
	W int
	A int
	G int
}

// ParseBits parses a "W,A,G" triple such as "1,2,4".
func ParseBits(s string) (Bits, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Bits{}, fmt.Errorf("quant: want three comma-separated bit-widths, got %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Bits{}, fmt.Errorf("quant: parse bit-width %q: %w", p, err)
		}
		vals[i] = v
	}
	b := Bits{W: vals[0], A: vals[1], G: vals[2]}
	if err := b.Validate(); err != nil {
		return Bits{}, err
	}
	return b, nil
}

// Validate checks that every bit-width lies in [1,32].
func (b Bits) Validate() error {
	for _, v := range []int{b.W, b.A, b.G} {
		if v < 1 || v > 32 {
			return fmt.Errorf("quant: bit-width %d out of range [1,32]", v)
		}
	}
	return nil
}

func (b Bits) String() string {
	return fmt.Sprintf("%d,%d,%d", b.W, b.A, b.G)
}

// QuantizeK quantizes x in [0,1] onto the uniform k-bit grid
// round(x*(2^k-1))/(2^k-1). Callers handle k==32 as identity.
func QuantizeK(x float32, k int) float32 {
	n := float32(uint64(1)<<uint(k) - 1)
	return float32(math.Round(float64(x*n))) / n
}

// Weights quantizes master weights src into dst with k bits.
//
//	k == 32: identity
//	k == 1:  sign(w) * E[|w|]
//	else:    2 * quantize(tanh(w) / (2*max|tanh(w)|) + 0.5, k) - 1
//
// dst and src may alias. dst must have the same length as src.
func Weights(dst, src []float32, k int) {
	if len(dst) != len(src) {
		panic("quant: weight slice length mismatch")
	}
	switch {
	case k >= 32:
		copy(dst, src)
	case k == 1:
		var sum float64
		for _, v := range src {
			sum += math.Abs(float64(v))
		}
		scale := float32(sum / float64(len(src)))
		if scale == 0 {
			for i := range dst {
				dst[i] = 0
			}
			return
		}
		for i, v := range src {
			if v < 0 {
				dst[i] = -scale
			} else {
				dst[i] = scale
			}
		}
	default:
		var maxAbs float32
		for _, v := range src {
			t := float32(math.Abs(math.Tanh(float64(v))))
			if t > maxAbs {
				maxAbs = t
			}
		}
		if maxAbs == 0 {
			for i := range dst {
				dst[i] = 0
			}
			return
		}
		inv := 1 / (2 * maxAbs)
		for i, v := range src {
			t := float32(math.Tanh(float64(v)))
			dst[i] = 2*QuantizeK(t*inv+0.5, k) - 1
		}
	}
}

// Activations quantizes activations already clipped to [0,1] onto the k-bit
// grid, in place. k == 32 leaves the values untouched.
func Activations(x []float32, k int) {
	if k >= 32 {
		return
	}
	for i, v := range x {
		x[i] = QuantizeK(v, k)
	}
}

// Gradients quantizes a backward gradient to k bits in place, scaling it into
// [0,1] around its maximum magnitude, adding uniform noise of one quantization
// step, and scaling back. k == 32 is the identity. The noise keeps the
// quantized gradient an unbiased estimate of the input.
func Gradients(g []float32, k int, rng *rand.Rand) {
	if k >= 32 || len(g) == 0 {
		return
	}
	var maxAbs float32
	for _, v := range g {
		a := float32(math.Abs(float64(v)))
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return
	}
	n := float32(uint64(1)<<uint(k) - 1)
	for i, v := range g {
		x := v/maxAbs*0.5 + 0.5
		x += (rng.Float32() - 0.5) / n
		if x < 0 {
			x = 0
		} else if x > 1 {
			x = 1
		}
		g[i] = (QuantizeK(x, k) - 0.5) * maxAbs * 2
	}
}
