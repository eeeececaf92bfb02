package tensor

// Convolutions use SAME padding throughout: the output spatial size is
// ceil(in/stride) and padding is split with the smaller half leading, matching
// the convention the pretrained checkpoints were produced with.

// ConvOutSize returns the SAME-padded output size for one spatial dimension.
func ConvOutSize(in, stride int) int {
	return (in + stride - 1) / stride
}

func samePadBegin(in, k, stride int) int {
	out := ConvOutSize(in, stride)
	total := (out-1)*stride + k - in
	if total < 0 {
		total = 0
	}
	return total / 2
}

// EnsureMat resizes m to [r x c], reusing its backing slice when possible.
// Contents after the call are unspecified.
func EnsureMat(m *Mat, r, c int) {
	need := r * c
	if cap(m.Data) < need {
		m.Data = make([]float32, need)
	}
	m.Data = m.Data[:need]
	m.R, m.C, m.Stride = r, c, c
}

// EnsureTensor resizes t to [n x h x w x c], reusing its backing slice when
// possible. Contents after the call are unspecified.
func EnsureTensor(t *Tensor, n, h, w, c int) {
	need := n * h * w * c
	if cap(t.Data) < need {
		t.Data = make([]float32, need)
	}
	t.Data = t.Data[:need]
	t.N, t.H, t.W, t.C = n, h, w, c
}

// Im2col expands x into cols with one row per output position:
// cols is [N*OH*OW x KH*KW*C], columns ordered (ky, kx, c). Out-of-bounds
// taps contribute zeros.
func Im2col(cols *Mat, x *Tensor, kh, kw, stride int) {
	oh := ConvOutSize(x.H, stride)
	ow := ConvOutSize(x.W, stride)
	padH := samePadBegin(x.H, kh, stride)
	padW := samePadBegin(x.W, kw, stride)

	EnsureMat(cols, x.N*oh*ow, kh*kw*x.C)

	rowsPerImage := oh * ow
	parallelRows(cols.R, 0, func(rs, re int) {
		for r := rs; r < re; r++ {
			n := r / rowsPerImage
			rem := r % rowsPerImage
			outY := rem / ow
			outX := rem % ow

			dst := cols.Row(r)
			di := 0
			for ky := 0; ky < kh; ky++ {
				iy := outY*stride - padH + ky
				if iy < 0 || iy >= x.H {
					for i := 0; i < kw*x.C; i++ {
						dst[di+i] = 0
					}
					di += kw * x.C
					continue
				}
				for kx := 0; kx < kw; kx++ {
					ix := outX*stride - padW + kx
					if ix < 0 || ix >= x.W {
						for c := 0; c < x.C; c++ {
							dst[di+c] = 0
						}
					} else {
						src := x.Data[((n*x.H+iy)*x.W+ix)*x.C:]
						copy(dst[di:di+x.C], src[:x.C])
					}
					di += x.C
				}
			}
		}
	})
}

// Col2im scatter-adds cols (the Im2col layout) back into dx. dx must already
// be sized like the original input; it is zeroed first.
func Col2im(dx *Tensor, cols *Mat, kh, kw, stride int) {
	oh := ConvOutSize(dx.H, stride)
	ow := ConvOutSize(dx.W, stride)
	padH := samePadBegin(dx.H, kh, stride)
	padW := samePadBegin(dx.W, kw, stride)

	if cols.R != dx.N*oh*ow || cols.C != kh*kw*dx.C {
		panic("col2im: shape mismatch")
	}

	dx.Zero()
	rowsPerImage := oh * ow
	// Parallel across images: every row of cols touches only its own image.
	parallelRows(dx.N, 0, func(ns, ne int) {
		for n := ns; n < ne; n++ {
			for rem := 0; rem < rowsPerImage; rem++ {
				r := n*rowsPerImage + rem
				outY := rem / ow
				outX := rem % ow

				src := cols.Row(r)
				si := 0
				for ky := 0; ky < kh; ky++ {
					iy := outY*stride - padH + ky
					if iy < 0 || iy >= dx.H {
						si += kw * dx.C
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := outX*stride - padW + kx
						if ix >= 0 && ix < dx.W {
							dst := dx.Data[((n*dx.H+iy)*dx.W+ix)*dx.C:]
							for c := 0; c < dx.C; c++ {
								dst[c] += src[si+c]
							}
						}
						si += dx.C
					}
				}
			}
		}
	})
}

// Conv2DForward computes y = conv(x, w) with SAME padding. w is
// [KH*KW*C x OutC]. cols is caller-owned scratch; after the call it holds
// im2col(x) for reuse in the backward pass.
func Conv2DForward(y *Tensor, x *Tensor, w *Mat, cols *Mat, kh, kw, stride int) {
	if w.R != kh*kw*x.C {
		panic("conv: weight rows mismatch")
	}
	oh := ConvOutSize(x.H, stride)
	ow := ConvOutSize(x.W, stride)
	if y.N != x.N || y.H != oh || y.W != ow || y.C != w.C {
		panic("conv: output shape mismatch")
	}

	Im2col(cols, x, kh, kw, stride)
	yMat := NewMatFromData(cols.R, w.C, y.Data)
	Gemm(&yMat, cols, w, 1, 0)
}

// Conv2DBackward computes the weight gradient dw += colsᵀ·dy and, when dx is
// non-nil, the input gradient dx = col2im(dy·wᵀ). cols must hold the im2col
// expansion produced by Conv2DForward for the same x. dcols is caller-owned
// scratch.
func Conv2DBackward(dx *Tensor, dw *Mat, dy *Tensor, w *Mat, cols, dcols *Mat, kh, kw, stride int) {
	dyMat := NewMatFromData(cols.R, w.C, dy.Data)

	GemmTA(dw, cols, &dyMat, 1, 1)

	if dx != nil {
		EnsureMat(dcols, cols.R, cols.C)
		GemmTB(dcols, &dyMat, w, 1, 0)
		Col2im(dx, dcols, kh, kw, stride)
	}
}
