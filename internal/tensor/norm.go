package tensor

import "math"

// Batch normalisation over the N, H and W axes, one statistic per channel.
// Fully-connected activations are handled by wrapping them as H=W=1 tensors.

// BatchNormForward normalises x into y using batch statistics, which are also
// written to mean and variance (biased, as used for the backward pass).
// gamma, beta, mean and variance must all have length x.C.
func BatchNormForward(y, x *Tensor, gamma, beta, mean, variance []float32, eps float32) {
	checkBNShapes(y, x, gamma, beta, mean, variance)
	m := float64(x.N * x.H * x.W)
	if m == 0 {
		panic("batchnorm: empty batch")
	}

	spatial := x.H * x.W * x.C
	for c := 0; c < x.C; c++ {
		var sum float64
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				sum += float64(x.Data[base+i])
			}
		}
		mu := sum / m

		var sq float64
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				d := float64(x.Data[base+i]) - mu
				sq += d * d
			}
		}
		v := sq / m

		mean[c] = float32(mu)
		variance[c] = float32(v)

		scale := float64(gamma[c]) / math.Sqrt(v+float64(eps))
		shift := float64(beta[c]) - mu*scale
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				y.Data[base+i] = float32(float64(x.Data[base+i])*scale + shift)
			}
		}
	}
}

// BatchNormInference normalises x into y using moving statistics.
func BatchNormInference(y, x *Tensor, gamma, beta, movMean, movVar []float32, eps float32) {
	checkBNShapes(y, x, gamma, beta, movMean, movVar)

	spatial := x.H * x.W * x.C
	for c := 0; c < x.C; c++ {
		scale := float64(gamma[c]) / math.Sqrt(float64(movVar[c])+float64(eps))
		shift := float64(beta[c]) - float64(movMean[c])*scale
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				y.Data[base+i] = float32(float64(x.Data[base+i])*scale + shift)
			}
		}
	}
}

// BatchNormBackward computes dx from dy given the forward batch statistics,
// and accumulates the parameter gradients into dgamma and dbeta.
func BatchNormBackward(dx, dy, x *Tensor, gamma, mean, variance []float32, eps float32, dgamma, dbeta []float32) {
	checkBNShapes(dx, x, gamma, mean, variance, dgamma)
	if len(dbeta) != x.C {
		panic("batchnorm: dbeta length mismatch")
	}
	m := float64(x.N * x.H * x.W)

	spatial := x.H * x.W * x.C
	for c := 0; c < x.C; c++ {
		mu := float64(mean[c])
		invStd := 1 / math.Sqrt(float64(variance[c])+float64(eps))

		// Accumulate sums needed by the closed-form batch norm gradient.
		var sumDy, sumDyXhat float64
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				dyv := float64(dy.Data[base+i])
				xhat := (float64(x.Data[base+i]) - mu) * invStd
				sumDy += dyv
				sumDyXhat += dyv * xhat
			}
		}

		dgamma[c] += float32(sumDyXhat)
		dbeta[c] += float32(sumDy)

		g := float64(gamma[c])
		for n := 0; n < x.N; n++ {
			base := n * spatial
			for i := c; i < spatial; i += x.C {
				dyv := float64(dy.Data[base+i])
				xhat := (float64(x.Data[base+i]) - mu) * invStd
				dx.Data[base+i] = float32(g * invStd / m * (m*dyv - sumDy - xhat*sumDyXhat))
			}
		}
	}
}

// UpdateMoving folds batch statistics into the moving averages:
// mov = decay*mov + (1-decay)*batch.
func UpdateMoving(movMean, movVar, mean, variance []float32, decay float32) {
	for c := range movMean {
		movMean[c] = decay*movMean[c] + (1-decay)*mean[c]
		movVar[c] = decay*movVar[c] + (1-decay)*variance[c]
	}
}

func checkBNShapes(y, x *Tensor, vecs ...[]float32) {
	if y.N != x.N || y.H != x.H || y.W != x.W || y.C != x.C {
		panic("batchnorm: tensor shape mismatch")
	}
	for _, v := range vecs {
		if len(v) != x.C {
			panic("batchnorm: parameter length mismatch")
		}
	}
}
