package model

import (
	"math/rand"

	"github.com/quantlab/dorefa/internal/quant"
	"github.com/quantlab/dorefa/internal/tensor"
)

// Param is one trainable tensor: the master float32 values and the gradient
// accumulated by the backward pass. Decay marks parameters subject to L2
// weight decay.
type Param struct {
	Name  string
	Shape []int
	Val   []float32
	Grad  []float32
	Decay bool
}

// NamedTensor is a persisted tensor: parameters plus non-trainable state such
// as batch norm moving statistics.
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

type layer interface {
	// forward consumes x and returns the layer output. The returned tensor is
	// owned by the layer and stays valid until the next forward call.
	forward(x *tensor.Tensor, train bool) *tensor.Tensor
	// backward consumes the gradient of the loss w.r.t. the layer output and
	// returns the gradient w.r.t. its input, or nil when the layer does not
	// propagate one. Parameter gradients accumulate.
	backward(dy *tensor.Tensor) *tensor.Tensor
	params(fn func(*Param))
	tensors(fn func(NamedTensor))
	captureName() string
}

// conv is a SAME-padded convolution with quantized weights and no bias.
type conv struct {
	name    string
	capture string
	kh, kw  int
	stride  int
	inC     int
	outC    int
	bits    quant.Bits
	gradQ   bool // stochastic gradient quantization on the way back
	needDx  bool
	rng     *rand.Rand

	w, wq, gw   tensor.Mat
	cols, dcols tensor.Mat
	in          *tensor.Tensor
	out, din    tensor.Tensor
}

func newConv(name, capture string, kh, kw, stride, inC, outC int, bits quant.Bits, gradQ, needDx bool, rng *rand.Rand) *conv {
	l := &conv{
		name: name, capture: capture,
		kh: kh, kw: kw, stride: stride, inC: inC, outC: outC,
		bits: bits, gradQ: gradQ, needDx: needDx, rng: rng,
	}
	l.w = tensor.NewMat(kh*kw*inC, outC)
	l.wq = tensor.NewMat(kh*kw*inC, outC)
	l.gw = tensor.NewMat(kh*kw*inC, outC)
	tensor.FillNormal(&l.w, tensor.MSRAStd(kh*kw*inC), rng)
	return l
}

func (l *conv) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	quant.Weights(l.wq.Data, l.w.Data, l.bits.W)
	oh := tensor.ConvOutSize(x.H, l.stride)
	ow := tensor.ConvOutSize(x.W, l.stride)
	tensor.EnsureTensor(&l.out, x.N, oh, ow, l.outC)
	tensor.Conv2DForward(&l.out, x, &l.wq, &l.cols, l.kh, l.kw, l.stride)
	l.in = x
	return &l.out
}

func (l *conv) backward(dy *tensor.Tensor) *tensor.Tensor {
	if l.gradQ {
		quant.Gradients(dy.Data, l.bits.G, l.rng)
	}
	var dx *tensor.Tensor
	if l.needDx {
		tensor.EnsureTensor(&l.din, l.in.N, l.in.H, l.in.W, l.in.C)
		dx = &l.din
	}
	// Straight-through: the gradient w.r.t. the quantized weights is taken as
	// the gradient of the master weights.
	tensor.Conv2DBackward(dx, &l.gw, dy, &l.wq, &l.cols, &l.dcols, l.kh, l.kw, l.stride)
	return dx
}

func (l *conv) params(fn func(*Param)) {
	fn(&Param{
		Name:  l.name + "/W",
		Shape: []int{l.kh, l.kw, l.inC, l.outC},
		Val:   l.w.Data,
		Grad:  l.gw.Data,
	})
}

func (l *conv) tensors(fn func(NamedTensor)) {
	fn(NamedTensor{Name: l.name + "/W", Shape: []int{l.kh, l.kw, l.inC, l.outC}, Data: l.w.Data})
}

func (l *conv) captureName() string { return l.capture }

// fc is a fully-connected layer with quantized weights and no bias. Inputs and
// outputs are carried as N x 1 x 1 x C tensors so batch norm composes.
type fc struct {
	name    string
	capture string
	in, out int
	bits    quant.Bits
	gradQ   bool
	decay   bool
	rng     *rand.Rand

	w, wq, gw tensor.Mat // [in x out]
	x         *tensor.Tensor
	outT, din tensor.Tensor
}

func newFC(name, capture string, in, out int, bits quant.Bits, gradQ bool, rng *rand.Rand) *fc {
	l := &fc{
		name: name, capture: capture, in: in, out: out,
		bits: bits, gradQ: gradQ, decay: true, rng: rng,
	}
	l.w = tensor.NewMat(in, out)
	l.wq = tensor.NewMat(in, out)
	l.gw = tensor.NewMat(in, out)
	tensor.FillNormal(&l.w, tensor.MSRAStd(in), rng)
	return l
}

func (l *fc) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	quant.Weights(l.wq.Data, l.w.Data, l.bits.W)
	tensor.EnsureTensor(&l.outT, x.N, 1, 1, l.out)
	xm := tensor.NewMatFromData(x.N, l.in, x.Data)
	ym := tensor.NewMatFromData(x.N, l.out, l.outT.Data)
	tensor.Gemm(&ym, &xm, &l.wq, 1, 0)
	l.x = x
	return &l.outT
}

func (l *fc) backward(dy *tensor.Tensor) *tensor.Tensor {
	if l.gradQ {
		quant.Gradients(dy.Data, l.bits.G, l.rng)
	}
	n := l.x.N
	xm := tensor.NewMatFromData(n, l.in, l.x.Data)
	dym := tensor.NewMatFromData(n, l.out, dy.Data)
	tensor.GemmTA(&l.gw, &xm, &dym, 1, 1)

	tensor.EnsureTensor(&l.din, n, 1, 1, l.in)
	dxm := tensor.NewMatFromData(n, l.in, l.din.Data)
	tensor.GemmTB(&dxm, &dym, &l.wq, 1, 0)
	return &l.din
}

func (l *fc) params(fn func(*Param)) {
	fn(&Param{
		Name:  l.name + "/W",
		Shape: []int{l.in, l.out},
		Val:   l.w.Data,
		Grad:  l.gw.Data,
		Decay: l.decay,
	})
}

func (l *fc) tensors(fn func(NamedTensor)) {
	fn(NamedTensor{Name: l.name + "/W", Shape: []int{l.in, l.out}, Data: l.w.Data})
}

func (l *fc) captureName() string { return l.capture }

// bnorm is per-channel batch normalisation with learned scale and shift.
// Training uses batch statistics and folds them into the moving averages;
// evaluation uses the moving averages.
type bnorm struct {
	name    string
	capture string
	c       int
	decay   float32
	eps     float32

	gamma, beta     []float32
	gGamma, gBeta   []float32
	movMean, movVar []float32
	mean, variance  []float32

	x        *tensor.Tensor
	out, din tensor.Tensor
}

func newBNorm(name, capture string, c int, decay, eps float32) *bnorm {
	l := &bnorm{
		name: name, capture: capture, c: c, decay: decay, eps: eps,
		gamma:    make([]float32, c),
		beta:     make([]float32, c),
		gGamma:   make([]float32, c),
		gBeta:    make([]float32, c),
		movMean:  make([]float32, c),
		movVar:   make([]float32, c),
		mean:     make([]float32, c),
		variance: make([]float32, c),
	}
	for i := range l.gamma {
		l.gamma[i] = 1
		l.movVar[i] = 1
	}
	return l
}

func (l *bnorm) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	tensor.EnsureTensor(&l.out, x.N, x.H, x.W, x.C)
	if train {
		tensor.BatchNormForward(&l.out, x, l.gamma, l.beta, l.mean, l.variance, l.eps)
		tensor.UpdateMoving(l.movMean, l.movVar, l.mean, l.variance, l.decay)
	} else {
		tensor.BatchNormInference(&l.out, x, l.gamma, l.beta, l.movMean, l.movVar, l.eps)
	}
	l.x = x
	return &l.out
}

func (l *bnorm) backward(dy *tensor.Tensor) *tensor.Tensor {
	tensor.EnsureTensor(&l.din, l.x.N, l.x.H, l.x.W, l.x.C)
	tensor.BatchNormBackward(&l.din, dy, l.x, l.gamma, l.mean, l.variance, l.eps, l.gGamma, l.gBeta)
	return &l.din
}

func (l *bnorm) params(fn func(*Param)) {
	fn(&Param{Name: l.name + "/gamma", Shape: []int{l.c}, Val: l.gamma, Grad: l.gGamma})
	fn(&Param{Name: l.name + "/beta", Shape: []int{l.c}, Val: l.beta, Grad: l.gBeta})
}

func (l *bnorm) tensors(fn func(NamedTensor)) {
	fn(NamedTensor{Name: l.name + "/gamma", Shape: []int{l.c}, Data: l.gamma})
	fn(NamedTensor{Name: l.name + "/beta", Shape: []int{l.c}, Data: l.beta})
	fn(NamedTensor{Name: l.name + "/mean", Shape: []int{l.c}, Data: l.movMean})
	fn(NamedTensor{Name: l.name + "/variance", Shape: []int{l.c}, Data: l.movVar})
}

func (l *bnorm) captureName() string { return l.capture }

// act applies the activation nonlinearity followed by activation quantization:
// relu for 32-bit activations, clip to [0,1] then k-bit grid otherwise. The
// backward pass is straight-through inside the pass band and zero outside.
type act struct {
	capture  string
	bits     quant.Bits
	pre      *tensor.Tensor
	out, din tensor.Tensor
}

func (l *act) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	tensor.EnsureTensor(&l.out, x.N, x.H, x.W, x.C)
	if l.bits.A >= 32 {
		tensor.ReLU(l.out.Data, x.Data)
	} else {
		tensor.Clip01(l.out.Data, x.Data)
		quant.Activations(l.out.Data, l.bits.A)
	}
	l.pre = x
	return &l.out
}

func (l *act) backward(dy *tensor.Tensor) *tensor.Tensor {
	tensor.EnsureTensor(&l.din, l.pre.N, l.pre.H, l.pre.W, l.pre.C)
	copy(l.din.Data, dy.Data)
	hi := float32(1)
	if l.bits.A >= 32 {
		hi = 0
	}
	tensor.MaskGrad(l.din.Data, l.pre.Data, hi)
	return &l.din
}

func (l *act) params(fn func(*Param))       {}
func (l *act) tensors(fn func(NamedTensor)) {}
func (l *act) captureName() string          { return l.capture }

// pool is SAME-padded max pooling.
type pool struct {
	capture  string
	k        int
	stride   int
	x        *tensor.Tensor
	out, din tensor.Tensor
	argmax   []int32
}

func (l *pool) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	oh := tensor.ConvOutSize(x.H, l.stride)
	ow := tensor.ConvOutSize(x.W, l.stride)
	tensor.EnsureTensor(&l.out, x.N, oh, ow, x.C)
	need := len(l.out.Data)
	if cap(l.argmax) < need {
		l.argmax = make([]int32, need)
	}
	l.argmax = l.argmax[:need]
	tensor.MaxPoolForward(&l.out, l.argmax, x, l.k, l.stride)
	l.x = x
	return &l.out
}

func (l *pool) backward(dy *tensor.Tensor) *tensor.Tensor {
	tensor.EnsureTensor(&l.din, l.x.N, l.x.H, l.x.W, l.x.C)
	tensor.MaxPoolBackward(&l.din, dy, l.argmax)
	return &l.din
}

func (l *pool) params(fn func(*Param))       {}
func (l *pool) tensors(fn func(NamedTensor)) {}
func (l *pool) captureName() string          { return l.capture }

// flatten reshapes N x H x W x C into N x 1 x 1 x H*W*C without copying.
type flatten struct {
	h, w, c  int
	out, din tensor.Tensor
}

func (l *flatten) forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	l.h, l.w, l.c = x.H, x.W, x.C
	l.out = tensor.NewTensorFromData(x.N, 1, 1, x.H*x.W*x.C, x.Data)
	return &l.out
}

func (l *flatten) backward(dy *tensor.Tensor) *tensor.Tensor {
	l.din = tensor.NewTensorFromData(dy.N, l.h, l.w, l.c, dy.Data)
	return &l.din
}

func (l *flatten) params(fn func(*Param))       {}
func (l *flatten) tensors(fn func(NamedTensor)) {}
func (l *flatten) captureName() string          { return "" }
