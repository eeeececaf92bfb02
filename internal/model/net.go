// Package model builds the quantized AlexNet-variant classifier and owns its
// parameters, forward/backward passes and checkpoint serialisation.
package model

import (
	"math/rand"

	"github.com/quantlab/dorefa/internal/quant"
	"github.com/quantlab/dorefa/internal/tensor"
)

// Network constants shared by training and inference.
const (
	InputSize   = 224
	NumClasses  = 1000
	InputScale  = 128.0 // raw pixel values are divided by this before conv0
	bnDecay     = 0.9
	bnEps       = 1e-4
	flatFeature = 7 * 7 * 256
)

// Config selects the quantization bit-widths and (for smaller test nets) the
// class count. Zero values fall back to the ImageNet defaults.
type Config struct {
	Bits    quant.Bits
	Classes int
}

// Net is the fixed DoReFa topology:
//
//	conv0 64@7x7/2, conv1 256@5x5/2, conv2 384@3x3, conv3 384@3x3,
//	conv4 256@3x3, fc0 4096, fc1 4096, fct logits
//
// with batch norm and quantized activations after every block and 3x3/2 max
// pooling after conv0, conv1 and conv4. A 224x224x3 input (already divided by
// InputScale) yields NumClasses logits.
type Net struct {
	cfg    Config
	layers []layer
	rng    *rand.Rand
}

// New builds the network with freshly initialised parameters. seed drives both
// weight initialisation and the stochastic gradient quantizer.
func New(cfg Config, seed int64) *Net {
	if cfg.Classes == 0 {
		cfg.Classes = NumClasses
	}
	rng := rand.New(rand.NewSource(seed))
	b := cfg.Bits

	n := &Net{cfg: cfg, rng: rng}
	n.layers = []layer{
		newConv("conv0", "conv0", 7, 7, 2, 3, 64, b, true, false, rng),
		newBNorm("bn0", "bn0", 64, bnDecay, bnEps),
		&act{capture: "active0", bits: b},
		&pool{capture: "pool0", k: 3, stride: 2},

		newConv("conv1", "conv1", 5, 5, 2, 64, 256, b, true, true, rng),
		newBNorm("bn1", "bn1", 256, bnDecay, bnEps),
		&act{capture: "active1", bits: b},
		&pool{capture: "pool1", k: 3, stride: 2},

		newConv("conv2", "", 3, 3, 1, 256, 384, b, true, true, rng),
		newBNorm("bn2", "", 384, bnDecay, bnEps),
		&act{capture: "conv2", bits: b},

		newConv("conv3", "", 3, 3, 1, 384, 384, b, true, true, rng),
		newBNorm("bn3", "", 384, bnDecay, bnEps),
		&act{capture: "conv3", bits: b},

		newConv("conv4", "", 3, 3, 1, 384, 256, b, true, true, rng),
		newBNorm("bn4", "", 256, bnDecay, bnEps),
		&act{capture: "conv4", bits: b},
		&pool{capture: "pool4", k: 3, stride: 2},

		&flatten{},

		newFC("fc0", "fc0", flatFeature, 4096, b, true, rng),
		newBNorm("bnfc0", "fc0bn", 4096, bnDecay, bnEps),
		&act{capture: "fc0active", bits: b},

		newFC("fc1", "", 4096, 4096, b, true, rng),
		newBNorm("bnfc1", "", 4096, bnDecay, bnEps),
		&act{capture: "fc1", bits: b},

		newFC("fct", "fct", 4096, cfg.Classes, b, false, rng),
	}
	return n
}

// Config returns the configuration the network was built with.
func (n *Net) Config() Config { return n.cfg }

// Forward runs the network on x (N x 224 x 224 x 3, already scaled) and
// returns the logits as an N x 1 x 1 x classes tensor owned by the final
// layer. When capture is non-nil, every named intermediate activation is
// cloned into it.
func (n *Net) Forward(x *tensor.Tensor, train bool, capture map[string]tensor.Tensor) *tensor.Tensor {
	h := x
	for _, l := range n.layers {
		h = l.forward(h, train)
		if capture != nil {
			if name := l.captureName(); name != "" {
				capture[name] = h.Clone()
			}
		}
	}
	return h
}

// Backward propagates dLogits through the network, accumulating parameter
// gradients. Call ZeroGrads before each step.
func (n *Net) Backward(dLogits *tensor.Tensor) {
	dy := dLogits
	for i := len(n.layers) - 1; i >= 0; i-- {
		dy = n.layers[i].backward(dy)
		if dy == nil {
			break
		}
	}
}

// Params returns the trainable parameters in network order.
func (n *Net) Params() []*Param {
	var out []*Param
	for _, l := range n.layers {
		l.params(func(p *Param) { out = append(out, p) })
	}
	return out
}

// ZeroGrads clears all accumulated parameter gradients.
func (n *Net) ZeroGrads() {
	for _, p := range n.Params() {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Tensors returns every persisted tensor: trainable parameters plus the batch
// norm moving statistics.
func (n *Net) Tensors() []NamedTensor {
	var out []NamedTensor
	for _, l := range n.layers {
		l.tensors(func(t NamedTensor) { out = append(out, t) })
	}
	return out
}

// SetTensor copies data into the named persisted tensor. It reports whether
// the name was found; a length mismatch panics.
func (n *Net) SetTensor(name string, data []float32) bool {
	for _, t := range n.Tensors() {
		if t.Name == name {
			if len(t.Data) != len(data) {
				panic("model: tensor size mismatch for " + name)
			}
			copy(t.Data, data)
			return true
		}
	}
	return false
}

// NumParams returns the total trainable parameter count.
func (n *Net) NumParams() int {
	total := 0
	for _, p := range n.Params() {
		total += len(p.Val)
	}
	return total
}
