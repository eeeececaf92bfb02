package tensor

import (
	"runtime"
)

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

// rowPool is a persistent worker pool executing row-range kernels. All matrix
// products parallelise across ranges of output rows through it, so the
// goroutine count stays bounded no matter how many layers run per step.
type rowPool struct {
	size  int
	tasks chan rowTask
}

func newRowPool() *rowPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &rowPool{
		size:  size,
		tasks: make(chan rowTask, size*2),
	}
	for range size {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var workPool = newRowPool()

// parallelRows splits [0,rows) into contiguous chunks and runs fn on the pool,
// blocking until all chunks complete. workers <= 0 uses GOMAXPROCS.
func parallelRows(rows, workers int, fn func(rs, re int)) {
	if rows <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > rows {
		workers = rows
	}
	if workers == 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	done := make(chan struct{}, workers)
	issued := 0
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		workPool.tasks <- rowTask{fn: fn, rs: rs, re: re, done: done}
		issued++
	}
	for range issued {
		<-done
	}
}

// Gemm computes C = alpha*A*B + beta*C, parallelising across ranges of output
// rows. Dimensions must agree: A is [M x K], B is [K x N], C is [M x N].
func Gemm(C, A, B *Mat, alpha, beta float32) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	kc := kTile()
	parallelRows(C.R, 0, func(rs, re int) {
		for k0 := 0; k0 < A.C; k0 += kc {
			k1 := min(k0+kc, A.C)
			first := k0 == 0
			for i := rs; i < re; i++ {
				ci := C.Row(i)
				if first {
					if beta == 0 {
						for j := range ci {
							ci[j] = 0
						}
					} else if beta != 1 {
						for j := range ci {
							ci[j] *= beta
						}
					}
				}
				ai := A.Row(i)
				for k := k0; k < k1; k++ {
					a := alpha * ai[k]
					if a == 0 {
						continue
					}
					bk := B.Row(k)
					for j := range ci {
						ci[j] += a * bk[j]
					}
				}
			}
		}
	})
}

// GemmTA computes C = alpha*Aᵀ*B + beta*C where A is [M x K] and B is [M x N],
// producing C as [K x N]. Used for weight gradients (dW = xᵀ·dy).
func GemmTA(C, A, B *Mat, alpha, beta float32) {
	if A.R != B.R || C.R != A.C || C.C != B.C {
		panic("gemm: dimension mismatch (transposed A)")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	parallelRows(C.R, 0, func(rs, re int) {
		for i := rs; i < re; i++ {
			ci := C.Row(i)
			if beta == 0 {
				for j := range ci {
					ci[j] = 0
				}
			} else if beta != 1 {
				for j := range ci {
					ci[j] *= beta
				}
			}
			for m := 0; m < A.R; m++ {
				a := alpha * A.Row(m)[i]
				if a == 0 {
					continue
				}
				bm := B.Row(m)
				for j := range ci {
					ci[j] += a * bm[j]
				}
			}
		}
	})
}

// GemmTB computes C = alpha*A*Bᵀ + beta*C where A is [M x N] and B is [K x N],
// producing C as [M x K]. Used for input gradients (dx = dy·Wᵀ).
func GemmTB(C, A, B *Mat, alpha, beta float32) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch (transposed B)")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	parallelRows(C.R, 0, func(rs, re int) {
		for i := rs; i < re; i++ {
			ai := A.Row(i)
			ci := C.Row(i)
			for j := range ci {
				var sum float32
				bj := B.Row(j)
				for k := range ai {
					sum += ai[k] * bj[k]
				}
				if beta == 0 {
					ci[j] = alpha * sum
				} else {
					ci[j] = alpha*sum + beta*ci[j]
				}
			}
		}
	})
}
