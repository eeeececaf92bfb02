package train

import (
	"math"
	"strings"

	"github.com/quantlab/dorefa/internal/model"
)

// Adam is the Adam optimizer with optional L2 weight decay on parameters
// marked for it. Moments are kept per parameter name so they survive
// checkpointing.
type Adam struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float32

	step int64
	m    map[string][]float32
	v    map[string][]float32
}

// NewAdam returns an optimizer with the defaults used for this network:
// beta1 0.9, beta2 0.999, epsilon 1e-5.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-5,
		m:     make(map[string][]float32),
		v:     make(map[string][]float32),
	}
}

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() int64 { return a.step }

func (a *Adam) moment(store map[string][]float32, name string, n int) []float32 {
	buf, ok := store[name]
	if !ok || len(buf) != n {
		buf = make([]float32, n)
		store[name] = buf
	}
	return buf
}

// Step applies one update to every parameter from its accumulated gradient.
func (a *Adam) Step(params []*model.Param) {
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	b1 := float32(a.Beta1)
	b2 := float32(a.Beta2)

	for _, p := range params {
		if p.Decay && a.WeightDecay > 0 {
			for i := range p.Grad {
				p.Grad[i] += a.WeightDecay * p.Val[i]
			}
		}
		m := a.moment(a.m, p.Name, len(p.Val))
		v := a.moment(a.v, p.Name, len(p.Val))
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mh := float64(m[i]) / bc1
			vh := float64(v[i]) / bc2
			p.Val[i] -= float32(a.LR * mh / (math.Sqrt(vh) + a.Eps))
		}
	}
}

// Tensors exports the optimizer moments for checkpointing.
func (a *Adam) Tensors() []model.NamedTensor {
	var out []model.NamedTensor
	for name, buf := range a.m {
		out = append(out, model.NamedTensor{Name: name + "/adam_m", Shape: []int{len(buf)}, Data: buf})
	}
	for name, buf := range a.v {
		out = append(out, model.NamedTensor{Name: name + "/adam_v", Shape: []int{len(buf)}, Data: buf})
	}
	return out
}

// Restore loads moments previously exported by Tensors and resets the update
// counter. Unknown tensors are ignored.
func (a *Adam) Restore(tensors []model.NamedTensor, step int64) {
	a.step = step
	for _, t := range tensors {
		switch {
		case strings.HasSuffix(t.Name, "/adam_m"):
			a.m[strings.TrimSuffix(t.Name, "/adam_m")] = t.Data
		case strings.HasSuffix(t.Name, "/adam_v"):
			a.v[strings.TrimSuffix(t.Name, "/adam_v")] = t.Data
		}
	}
}
