package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam is the Adam optimizer over a fixed parameter/gradient pairing.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Eps     float64
	MaxNorm float64 // Global gradient-norm clip; 0 disables.

	params []*mat.Dense
	grads  []*mat.Dense
	m, v   []*mat.Dense
	t      int
}

// Module exposes the parameter and gradient tensors an optimizer updates.
// Every Layer is a Module; composite networks with richer forward/backward
// signatures only need to satisfy this.
type Module interface {
	Params() []*mat.Dense
	Grads() []*mat.Dense
}

// NewAdam builds an optimizer over the given module's parameters.
func NewAdam(module Module, lr float64) *Adam {
	params := module.Params()
	grads := module.Grads()
	m := make([]*mat.Dense, len(params))
	v := make([]*mat.Dense, len(params))
	for i, p := range params {
		m[i] = zerosLike(p)
		v[i] = zerosLike(p)
	}
	return &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Eps:     1e-8,
		MaxNorm: 0.5,
		params:  params,
		grads:   grads,
		m:       m,
		v:       v,
	}
}

// Step applies one update from the accumulated gradients, then zeroes them.
func (a *Adam) Step() {
	if a.MaxNorm > 0 {
		a.clipGradNorm()
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		g := a.grads[i]
		r, c := p.Dims()
		for x := 0; x < r; x++ {
			for y := 0; y < c; y++ {
				gv := g.At(x, y)
				mv := a.Beta1*a.m[i].At(x, y) + (1-a.Beta1)*gv
				vv := a.Beta2*a.v[i].At(x, y) + (1-a.Beta2)*gv*gv
				a.m[i].Set(x, y, mv)
				a.v[i].Set(x, y, vv)
				p.Set(x, y, p.At(x, y)-a.LR*(mv/bc1)/(math.Sqrt(vv/bc2)+a.Eps))
			}
		}
	}
	a.ZeroGrads()
}

// ZeroGrads clears all accumulated gradients.
func (a *Adam) ZeroGrads() {
	for _, g := range a.grads {
		g.Zero()
	}
}

func (a *Adam) clipGradNorm() {
	total := 0.0
	for _, g := range a.grads {
		total += mat.Norm(g, 2) * mat.Norm(g, 2)
	}
	norm := math.Sqrt(total)
	if norm <= a.MaxNorm || norm == 0 {
		return
	}
	scale := a.MaxNorm / norm
	for _, g := range a.grads {
		g.Scale(scale, g)
	}
}
