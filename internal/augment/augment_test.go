package augment

import (
	"math"
	"math/rand"
	"testing"
)

func gradientImage(h, w int) Image {
	img := NewImage(h, w, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				img.Set(y, x, c, float32((y*w+x+c*7)%256))
			}
		}
	}
	return img
}

func TestResizeShortestEdge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		h, w         int
		wantH, wantW int
	}{
		{512, 768, 256, 384},
		{768, 512, 384, 256},
		{256, 256, 256, 256},
		{300, 230, 300, 230}, // already above the minimum: never upscaled
		{200, 180, 224, 224}, // too small: clamped up to the crop size
	}
	for _, tc := range tests {
		out := Resize{Short: 256, Min: 224}.Augment(gradientImage(tc.h, tc.w), nil)
		if out.H != tc.wantH || out.W != tc.wantW {
			t.Errorf("resize %dx%d: got %dx%d, want %dx%d", tc.h, tc.w, out.H, out.W, tc.wantH, tc.wantW)
		}
	}
}

func TestRandomResizeBounds(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	a := RandomResize{Size: 224, MaxShort: 308, Jitter: 0.15}
	for i := 0; i < 50; i++ {
		out := a.Augment(gradientImage(480, 640), rng)
		if out.H < 224 || out.W < 224 {
			t.Fatalf("resize produced %dx%d, below the crop size", out.H, out.W)
		}
		if out.H > 480 || out.W > 640 {
			t.Fatalf("resize produced %dx%d, above the source size", out.H, out.W)
		}
	}
}

func TestCrops(t *testing.T) {
	t.Parallel()

	img := gradientImage(300, 400)
	cc := CenterCrop{Size: 224}.Augment(img, nil)
	if cc.H != 224 || cc.W != 224 {
		t.Fatalf("center crop %dx%d", cc.H, cc.W)
	}
	// Centre pixel is preserved.
	if got, want := cc.At(112, 112, 0), img.At(38+112, 88+112, 0); got != want {
		t.Fatalf("center crop moved content: got %v want %v", got, want)
	}

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		rc := RandomCrop{Size: 224}.Augment(img, rng)
		if rc.H != 224 || rc.W != 224 {
			t.Fatalf("random crop %dx%d", rc.H, rc.W)
		}
	}
}

func TestHorizontalFlip(t *testing.T) {
	t.Parallel()

	img := gradientImage(4, 6)
	orig := make([]float32, len(img.Pix))
	copy(orig, img.Pix)

	flipped := HorizontalFlip{Prob: 1}.Augment(img, rand.New(rand.NewSource(3)))
	for y := 0; y < 4; y++ {
		for x := 0; x < 6; x++ {
			for c := 0; c < 3; c++ {
				want := orig[(y*6+(5-x))*3+c]
				if got := flipped.At(y, x, c); got != want {
					t.Fatalf("flip mismatch at (%d,%d,%d)", y, x, c)
				}
			}
		}
	}

	// Flipping twice restores the original.
	again := HorizontalFlip{Prob: 1}.Augment(flipped, rand.New(rand.NewSource(4)))
	for i := range orig {
		if again.Pix[i] != orig[i] {
			t.Fatalf("double flip differs at %d", i)
		}
	}
}

func TestBrightnessClips(t *testing.T) {
	t.Parallel()

	img := NewImage(2, 2, 3)
	for i := range img.Pix {
		img.Pix[i] = 250
	}
	out := Brightness{Delta: 30}.Augment(img, rand.New(rand.NewSource(5)))
	for i, v := range out.Pix {
		if v < 0 || v > 255 {
			t.Fatalf("pixel %d out of range: %v", i, v)
		}
	}
}

func TestContrastPreservesMeanDirection(t *testing.T) {
	t.Parallel()

	img := gradientImage(8, 8)
	var before float64
	for _, v := range img.Pix {
		before += float64(v)
	}
	out := Contrast{Lo: 0.8, Hi: 1.2}.Augment(img, rand.New(rand.NewSource(6)))
	var after float64
	for _, v := range out.Pix {
		after += float64(v)
	}
	// Without clipping the mean is unchanged; with mild clipping it stays close.
	if math.Abs(before-after)/before > 0.05 {
		t.Fatalf("contrast shifted the mean too far: %v -> %v", before, after)
	}
}

func TestGammaKeepsEndpoints(t *testing.T) {
	t.Parallel()

	img := NewImage(1, 2, 3)
	for c := 0; c < 3; c++ {
		img.Set(0, 0, c, 0)
		img.Set(0, 1, c, 255)
	}
	out := Gamma{Range: 0.5}.Augment(img, rand.New(rand.NewSource(7)))
	for c := 0; c < 3; c++ {
		if out.At(0, 0, c) != 0 {
			t.Fatalf("gamma moved black: %v", out.At(0, 0, c))
		}
		if math.Abs(float64(out.At(0, 1, c)-255)) > 1e-3 {
			t.Fatalf("gamma moved white: %v", out.At(0, 1, c))
		}
	}
}

func TestSubtractMean(t *testing.T) {
	t.Parallel()

	img := gradientImage(2, 2)
	orig := make([]float32, len(img.Pix))
	copy(orig, img.Pix)
	out := SubtractMean{Mean: []float32{128}}.Augment(img, nil)
	for i := range orig {
		if out.Pix[i] != orig[i]-128 {
			t.Fatalf("constant mean subtraction wrong at %d", i)
		}
	}

	pp := make([]float32, len(orig))
	for i := range pp {
		pp[i] = float32(i)
	}
	img2 := gradientImage(2, 2)
	copy(orig, img2.Pix)
	out2 := SubtractMean{Mean: pp}.Augment(img2, nil)
	for i := range orig {
		if out2.Pix[i] != orig[i]-pp[i] {
			t.Fatalf("per-pixel mean subtraction wrong at %d", i)
		}
	}
}

func TestRoundSnapsToIntegers(t *testing.T) {
	t.Parallel()

	img := Image{H: 1, W: 2, C: 3, Pix: []float32{0.4, -0.6, 127.5, -128, 3.0001, 254.9}}
	out := Round{}.Augment(img, nil)
	want := []float32{0, -1, 128, -128, 3, 255}
	for i, v := range out.Pix {
		if v != want[i] {
			t.Errorf("pix[%d] = %v, want %v", i, v, want[i])
		}
	}

	// Resampling leaves fractional values; a trailing Round must clear them.
	resized := resizeTo(gradientImage(10, 10), 7, 7)
	resized = Round{}.Augment(resized, nil)
	for i, v := range resized.Pix {
		if v != float32(math.Trunc(float64(v))) {
			t.Fatalf("pix[%d] = %v is not integral after rounding", i, v)
		}
	}
}

func TestRotationPreservesShape(t *testing.T) {
	t.Parallel()

	img := gradientImage(32, 48)
	out := Rotation{MaxDeg: 10}.Augment(img, rand.New(rand.NewSource(8)))
	if out.H != 32 || out.W != 48 || out.C != 3 {
		t.Fatalf("rotation changed shape: %dx%dx%d", out.H, out.W, out.C)
	}
}

func TestPipelinesDeterministicUnderSeed(t *testing.T) {
	t.Parallel()

	img := gradientImage(300, 400)
	run := func(seed int64) Image {
		cp := NewImage(img.H, img.W, img.C)
		copy(cp.Pix, img.Pix)
		return TrainPipeline().Augment(cp, rand.New(rand.NewSource(seed)))
	}
	a, b := run(42), run(42)
	if a.H != 224 || a.W != 224 {
		t.Fatalf("train pipeline output %dx%d", a.H, a.W)
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			t.Fatalf("same seed diverged at %d", i)
		}
	}

	c := EvalPipeline(nil).Augment(img, rand.New(rand.NewSource(1)))
	if c.H != 224 || c.W != 224 {
		t.Fatalf("eval pipeline output %dx%d", c.H, c.W)
	}
}
