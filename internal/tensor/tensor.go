package tensor

// Tensor is a dense NHWC 4-D tensor of float32 values: batch, height, width,
// channels. Image batches and all intermediate convolutional activations use
// this layout.
type Tensor struct {
	N, H, W, C int
	Data       []float32
}

// NewTensor allocates a zero-initialised NHWC tensor.
func NewTensor(n, h, w, c int) Tensor {
	if n < 0 || h < 0 || w < 0 || c < 0 {
		panic("negative dimension for tensor")
	}
	return Tensor{
		N:    n,
		H:    h,
		W:    w,
		C:    c,
		Data: make([]float32, n*h*w*c),
	}
}

// NewTensorFromData wraps existing data. It checks that the data length
// matches n*h*w*c.
func NewTensorFromData(n, h, w, c int, data []float32) Tensor {
	if n*h*w*c != len(data) {
		panic("data length mismatch")
	}
	return Tensor{N: n, H: h, W: w, C: c, Data: data}
}

// NumEl returns the total number of elements.
func (t *Tensor) NumEl() int {
	return t.N * t.H * t.W * t.C
}

// At returns the element at (n,h,w,c).
func (t *Tensor) At(n, h, w, c int) float32 {
	return t.Data[t.index(n, h, w, c)]
}

// Set stores v at (n,h,w,c).
func (t *Tensor) Set(n, h, w, c int, v float32) {
	t.Data[t.index(n, h, w, c)] = v
}

func (t *Tensor) index(n, h, w, c int) int {
	if n < 0 || n >= t.N || h < 0 || h >= t.H || w < 0 || w >= t.W || c < 0 || c >= t.C {
		panic("tensor index out of range")
	}
	return ((n*t.H+h)*t.W+w)*t.C + c
}

// AsMat returns a [N x H*W*C] matrix view sharing the tensor's data.
// This is the flatten step in front of the fully-connected layers.
func (t *Tensor) AsMat() Mat {
	return Mat{
		R:      t.N,
		C:      t.H * t.W * t.C,
		Stride: t.H * t.W * t.C,
		Data:   t.Data,
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() Tensor {
	out := NewTensor(t.N, t.H, t.W, t.C)
	copy(out.Data, t.Data)
	return out
}

// Zero clears all elements.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}
