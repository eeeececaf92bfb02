// Package augment implements the image preprocessing pipeline: float32 HWC
// images with values in [0,255] flow through a list of augmentors, ending with
// mean subtraction.
package augment

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
)

// Image is a float32 image in HWC layout. Values stay in [0,255] until mean
// subtraction at the end of a pipeline.
type Image struct {
	H, W, C int
	Pix     []float32
}

// NewImage allocates a zeroed image.
func NewImage(h, w, c int) Image {
	return Image{H: h, W: w, C: c, Pix: make([]float32, h*w*c)}
}

// At returns the channel value at (y, x).
func (m Image) At(y, x, c int) float32 {
	return m.Pix[(y*m.W+x)*m.C+c]
}

// Set stores a channel value at (y, x).
func (m Image) Set(y, x, c int, v float32) {
	m.Pix[(y*m.W+x)*m.C+c] = v
}

// Augmentor transforms an image, drawing any randomness from rng so the whole
// pipeline is reproducible under a fixed seed.
type Augmentor interface {
	Augment(img Image, rng *rand.Rand) Image
}

// List applies augmentors in order.
type List []Augmentor

func (l List) Augment(img Image, rng *rand.Rand) Image {
	for _, a := range l {
		img = a.Augment(img, rng)
	}
	return img
}

func clip255(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func (m Image) toNRGBA() *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, m.W, m.H))
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			o := out.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				out.Pix[o+c] = uint8(clip255(m.At(y, x, c)) + 0.5)
			}
			out.Pix[o+3] = 0xff
		}
	}
	return out
}

func fromNRGBA(src *image.NRGBA) Image {
	b := src.Bounds()
	out := NewImage(b.Dy(), b.Dx(), 3)
	for y := 0; y < out.H; y++ {
		for x := 0; x < out.W; x++ {
			o := src.PixOffset(b.Min.X+x, b.Min.Y+y)
			for c := 0; c < 3; c++ {
				out.Set(y, x, c, float32(src.Pix[o+c]))
			}
		}
	}
	return out
}

// resizeTo scales img to w x h with Catmull-Rom interpolation.
func resizeTo(img Image, w, h int) Image {
	if w == img.W && h == img.H {
		return img
	}
	src := img.toNRGBA()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return fromNRGBA(dst)
}

// Resize scales the shortest edge to Short, never letting either edge drop
// below Min.
type Resize struct {
	Short int
	Min   int
}

func (a Resize) Augment(img Image, _ *rand.Rand) Image {
	scale := float64(a.Short) / float64(min(img.H, img.W))
	w := max(a.Min, min(img.W, int(scale*float64(img.W))))
	h := max(a.Min, min(img.H, int(scale*float64(img.H))))
	return resizeTo(img, w, h)
}

// RandomResize picks a target shortest edge in [Size, MaxShort) and jitters
// the two axes independently by up to +-Jitter.
type RandomResize struct {
	Size     int
	MaxShort int
	Jitter   float64
}

func (a RandomResize) Augment(img Image, rng *rand.Rand) Image {
	scale := float64(a.Size+rng.Intn(a.MaxShort-a.Size)) / float64(min(img.H, img.W))
	jitter := func() float64 { return 1 - a.Jitter + rng.Float64()*2*a.Jitter }
	scaleX := scale * jitter()
	scaleY := scale * jitter()
	w := max(a.Size, min(img.W, int(scaleX*float64(img.W))))
	h := max(a.Size, min(img.H, int(scaleY*float64(img.H))))
	return resizeTo(img, w, h)
}

// Rotation rotates by a uniform angle in [-MaxDeg, MaxDeg] degrees about the
// image centre, sampling bilinearly with edge clamping.
type Rotation struct {
	MaxDeg float64
}

func (a Rotation) Augment(img Image, rng *rand.Rand) Image {
	deg := (rng.Float64()*2 - 1) * a.MaxDeg
	if deg == 0 {
		return img
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cy, cx := float64(img.H-1)/2, float64(img.W-1)/2

	out := NewImage(img.H, img.W, img.C)
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W; x++ {
			// Inverse mapping back into the source image.
			dy, dx := float64(y)-cy, float64(x)-cx
			sy := cy + dy*cos - dx*sin
			sx := cx + dy*sin + dx*cos
			for c := 0; c < img.C; c++ {
				out.Set(y, x, c, bilinear(img, sy, sx, c))
			}
		}
	}
	return out
}

func bilinear(img Image, y, x float64, c int) float32 {
	clampY := func(v int) int { return max(0, min(img.H-1, v)) }
	clampX := func(v int) int { return max(0, min(img.W-1, v)) }
	y0, x0 := int(math.Floor(y)), int(math.Floor(x))
	fy, fx := float32(y-float64(y0)), float32(x-float64(x0))

	v00 := img.At(clampY(y0), clampX(x0), c)
	v01 := img.At(clampY(y0), clampX(x0+1), c)
	v10 := img.At(clampY(y0+1), clampX(x0), c)
	v11 := img.At(clampY(y0+1), clampX(x0+1), c)
	top := v00*(1-fx) + v01*fx
	bot := v10*(1-fx) + v11*fx
	return top*(1-fy) + bot*fy
}

// Brightness adds a uniform offset in [-Delta, Delta], clipping to [0,255].
type Brightness struct {
	Delta float32
}

func (a Brightness) Augment(img Image, rng *rand.Rand) Image {
	d := (rng.Float32()*2 - 1) * a.Delta
	for i, v := range img.Pix {
		img.Pix[i] = clip255(v + d)
	}
	return img
}

// Gamma applies pointwise x -> 255*(x/255)^g with g uniform in [1-Range, 1+Range].
type Gamma struct {
	Range float64
}

func (a Gamma) Augment(img Image, rng *rand.Rand) Image {
	g := 1 + (rng.Float64()*2-1)*a.Range
	// 8-bit lookup table, same as the usual cv2 implementation.
	var lut [256]float32
	for i := range lut {
		lut[i] = float32(255 * math.Pow(float64(i)/255, g))
	}
	for i, v := range img.Pix {
		img.Pix[i] = lut[int(clip255(v))]
	}
	return img
}

// Contrast scales the distance from the image mean by a uniform factor in
// [Lo, Hi], clipping to [0,255].
type Contrast struct {
	Lo, Hi float64
}

func (a Contrast) Augment(img Image, rng *rand.Rand) Image {
	f := float32(a.Lo + rng.Float64()*(a.Hi-a.Lo))
	var sum float64
	for _, v := range img.Pix {
		sum += float64(v)
	}
	mean := float32(sum / float64(len(img.Pix)))
	for i, v := range img.Pix {
		img.Pix[i] = clip255((v-mean)*f + mean)
	}
	return img
}

// RandomCrop takes a random Size x Size window. The image must already be at
// least Size in both dimensions.
type RandomCrop struct {
	Size int
}

func (a RandomCrop) Augment(img Image, rng *rand.Rand) Image {
	y0 := rng.Intn(img.H - a.Size + 1)
	x0 := rng.Intn(img.W - a.Size + 1)
	return crop(img, y0, x0, a.Size)
}

// CenterCrop takes the central Size x Size window.
type CenterCrop struct {
	Size int
}

func (a CenterCrop) Augment(img Image, _ *rand.Rand) Image {
	return crop(img, (img.H-a.Size)/2, (img.W-a.Size)/2, a.Size)
}

func crop(img Image, y0, x0, size int) Image {
	out := NewImage(size, size, img.C)
	for y := 0; y < size; y++ {
		srcOff := ((y0+y)*img.W + x0) * img.C
		copy(out.Pix[y*size*img.C:(y+1)*size*img.C], img.Pix[srcOff:srcOff+size*img.C])
	}
	return out
}

// HorizontalFlip mirrors the image left-right with probability Prob.
type HorizontalFlip struct {
	Prob float64
}

func (a HorizontalFlip) Augment(img Image, rng *rand.Rand) Image {
	if rng.Float64() >= a.Prob {
		return img
	}
	for y := 0; y < img.H; y++ {
		for x := 0; x < img.W/2; x++ {
			mx := img.W - 1 - x
			for c := 0; c < img.C; c++ {
				l, r := img.At(y, x, c), img.At(y, mx, c)
				img.Set(y, x, c, r)
				img.Set(y, mx, c, l)
			}
		}
	}
	return img
}

// SubtractMean subtracts a constant (len 1) or per-pixel (len H*W*C) mean.
// This is the last pipeline stage; values leave the [0,255] range here.
type SubtractMean struct {
	Mean []float32
}

func (a SubtractMean) Augment(img Image, _ *rand.Rand) Image {
	if len(a.Mean) == 1 {
		m := a.Mean[0]
		for i := range img.Pix {
			img.Pix[i] -= m
		}
		return img
	}
	if len(a.Mean) != len(img.Pix) {
		panic("augment: per-pixel mean shape mismatch")
	}
	for i := range img.Pix {
		img.Pix[i] -= a.Mean[i]
	}
	return img
}

// Round snaps every pixel value to the nearest integer. Interpolating
// resamplers leave fractional values behind; the simulator input dumps expect
// integers.
type Round struct{}

func (Round) Augment(img Image, _ *rand.Rand) Image {
	for i, v := range img.Pix {
		img.Pix[i] = float32(math.Round(float64(v)))
	}
	return img
}

// TrainPipeline is the full training-time augmentation list.
func TrainPipeline() List {
	return List{
		RandomResize{Size: 224, MaxShort: 308, Jitter: 0.15},
		Rotation{MaxDeg: 10},
		Brightness{Delta: 30},
		Gamma{Range: 0.5},
		Contrast{Lo: 0.8, Hi: 1.2},
		RandomCrop{Size: 224},
		HorizontalFlip{Prob: 0.5},
		SubtractMean{Mean: []float32{128}},
	}
}

// EvalPipeline is the validation and inference list: short side to 256,
// centre crop, mean subtraction. mean is per-pixel when available, otherwise
// the constant 128.
func EvalPipeline(mean []float32) List {
	if len(mean) == 0 {
		mean = []float32{128}
	}
	return List{
		Resize{Short: 256, Min: 224},
		CenterCrop{Size: 224},
		SubtractMean{Mean: mean},
	}
}
