// Package nn provides the small set of neural-network building blocks used
// by the policy trainer: dense, convolutional and attention layers with
// explicit forward/backward passes over gonum matrices, plus an Adam
// optimizer. Layers cache whatever the backward pass needs; a layer must see
// Forward before Backward within one step.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Layer is a differentiable module. Matrices are row-major batches:
// (batch, features) unless a layer documents otherwise.
type Layer interface {
	Forward(x *mat.Dense, train bool) *mat.Dense
	Backward(grad *mat.Dense) *mat.Dense
	Params() []*mat.Dense
	Grads() []*mat.Dense
}

// xavierInit fills a weight matrix with Glorot-uniform values.
func xavierInit(w *mat.Dense, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, (rng.Float64()*2-1)*limit)
		}
	}
}

// zerosLike returns a zero matrix with the same shape.
func zerosLike(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	return mat.NewDense(r, c, nil)
}

// colSums collapses a batch gradient into a (1, cols) bias gradient.
func colSums(g *mat.Dense) *mat.Dense {
	r, c := g.Dims()
	out := mat.NewDense(1, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(0, j, out.At(0, j)+g.At(i, j))
		}
	}
	return out
}

// addRowVector adds a (1, cols) vector to every row in place.
func addRowVector(x *mat.Dense, v *mat.Dense) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x.Set(i, j, x.At(i, j)+v.At(0, j))
		}
	}
}

// Linear is a fully connected layer: y = xW + b.
type Linear struct {
	W, B   *mat.Dense
	dW, dB *mat.Dense
	x      *mat.Dense
}

// NewLinear builds a Glorot-initialised dense layer.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	w := mat.NewDense(in, out, nil)
	xavierInit(w, in, out, rng)
	return &Linear{
		W:  w,
		B:  mat.NewDense(1, out, nil),
		dW: mat.NewDense(in, out, nil),
		dB: mat.NewDense(1, out, nil),
	}
}

func (l *Linear) Forward(x *mat.Dense, _ bool) *mat.Dense {
	l.x = x
	r, _ := x.Dims()
	_, out := l.W.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.W)
	addRowVector(y, l.B)
	return y
}

func (l *Linear) Backward(grad *mat.Dense) *mat.Dense {
	in, out := l.W.Dims()
	dW := mat.NewDense(in, out, nil)
	dW.Mul(l.x.T(), grad)
	l.dW.Add(l.dW, dW)
	l.dB.Add(l.dB, colSums(grad))

	r, _ := grad.Dims()
	dx := mat.NewDense(r, in, nil)
	dx.Mul(grad, l.W.T())
	return dx
}

func (l *Linear) Params() []*mat.Dense { return []*mat.Dense{l.W, l.B} }
func (l *Linear) Grads() []*mat.Dense  { return []*mat.Dense{l.dW, l.dB} }

// ReLU is the rectified linear activation.
type ReLU struct {
	mask *mat.Dense
}

func NewReLU() *ReLU { return &ReLU{} }

func (a *ReLU) Forward(x *mat.Dense, _ bool) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	a.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > 0 {
				y.Set(i, j, v)
				a.mask.Set(i, j, 1)
			}
		}
	}
	return y
}

func (a *ReLU) Backward(grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	dx.MulElem(grad, a.mask)
	return dx
}

func (a *ReLU) Params() []*mat.Dense { return nil }
func (a *ReLU) Grads() []*mat.Dense  { return nil }

// Tanh activation.
type Tanh struct {
	y *mat.Dense
}

func NewTanh() *Tanh { return &Tanh{} }

func (a *Tanh) Forward(x *mat.Dense, _ bool) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			y.Set(i, j, math.Tanh(x.At(i, j)))
		}
	}
	a.y = y
	return y
}

func (a *Tanh) Backward(grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t := a.y.At(i, j)
			dx.Set(i, j, grad.At(i, j)*(1-t*t))
		}
	}
	return dx
}

func (a *Tanh) Params() []*mat.Dense { return nil }
func (a *Tanh) Grads() []*mat.Dense  { return nil }

// Dropout zeroes activations with probability p during training.
type Dropout struct {
	P    float64
	rng  *rand.Rand
	mask *mat.Dense
}

func NewDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

func (d *Dropout) Forward(x *mat.Dense, train bool) *mat.Dense {
	r, c := x.Dims()
	if !train || d.P <= 0 {
		d.mask = nil
		return x
	}
	scale := 1.0 / (1.0 - d.P)
	y := mat.NewDense(r, c, nil)
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() >= d.P {
				d.mask.Set(i, j, scale)
				y.Set(i, j, x.At(i, j)*scale)
			}
		}
	}
	return y
}

func (d *Dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	dx.MulElem(grad, d.mask)
	return dx
}

func (d *Dropout) Params() []*mat.Dense { return nil }
func (d *Dropout) Grads() []*mat.Dense  { return nil }

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(x *mat.Dense, train bool) *mat.Dense {
	for _, l := range s.Layers {
		x = l.Forward(x, train)
	}
	return x
}

func (s *Sequential) Backward(grad *mat.Dense) *mat.Dense {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad = s.Layers[i].Backward(grad)
	}
	return grad
}

func (s *Sequential) Params() []*mat.Dense {
	var out []*mat.Dense
	for _, l := range s.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

func (s *Sequential) Grads() []*mat.Dense {
	var out []*mat.Dense
	for _, l := range s.Layers {
		out = append(out, l.Grads()...)
	}
	return out
}
