package tensor

// MaxPoolForward computes a SAME-padded max pool of x with a k x k window and
// the given stride. argmax receives, per output element, the flat index into
// x.Data of the winning input; it must have len(y.Data). Padding positions
// never win: the max runs over valid taps only.
func MaxPoolForward(y *Tensor, argmax []int32, x *Tensor, k, stride int) {
	oh := ConvOutSize(x.H, stride)
	ow := ConvOutSize(x.W, stride)
	if y.N != x.N || y.H != oh || y.W != ow || y.C != x.C {
		panic("maxpool: output shape mismatch")
	}
	if len(argmax) != len(y.Data) {
		panic("maxpool: argmax length mismatch")
	}
	padH := samePadBegin(x.H, k, stride)
	padW := samePadBegin(x.W, k, stride)

	parallelRows(x.N, 0, func(ns, ne int) {
		for n := ns; n < ne; n++ {
			for outY := 0; outY < oh; outY++ {
				for outX := 0; outX < ow; outX++ {
					outBase := ((n*oh+outY)*ow + outX) * x.C
					for c := 0; c < x.C; c++ {
						best := float32(0)
						bestIdx := int32(-1)
						for ky := 0; ky < k; ky++ {
							iy := outY*stride - padH + ky
							if iy < 0 || iy >= x.H {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := outX*stride - padW + kx
								if ix < 0 || ix >= x.W {
									continue
								}
								idx := int32(((n*x.H+iy)*x.W+ix)*x.C + c)
								v := x.Data[idx]
								if bestIdx < 0 || v > best {
									best = v
									bestIdx = idx
								}
							}
						}
						y.Data[outBase+c] = best
						argmax[outBase+c] = bestIdx
					}
				}
			}
		}
	})
}

// MaxPoolBackward routes dy back to the argmax winners. dx is zeroed first.
func MaxPoolBackward(dx *Tensor, dy *Tensor, argmax []int32) {
	if len(argmax) != len(dy.Data) {
		panic("maxpool: argmax length mismatch")
	}
	dx.Zero()
	for i, idx := range argmax {
		if idx >= 0 {
			dx.Data[idx] += dy.Data[i]
		}
	}
}
