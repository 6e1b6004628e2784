package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const normEps = 1e-5

// LayerNorm normalises each row over its features, with learned gain and bias.
type LayerNorm struct {
	Gamma, Beta   *mat.Dense
	dGamma, dBeta *mat.Dense

	xhat   *mat.Dense
	invStd []float64
}

func NewLayerNorm(dim int) *LayerNorm {
	gamma := mat.NewDense(1, dim, nil)
	for j := 0; j < dim; j++ {
		gamma.Set(0, j, 1)
	}
	return &LayerNorm{
		Gamma:  gamma,
		Beta:   mat.NewDense(1, dim, nil),
		dGamma: mat.NewDense(1, dim, nil),
		dBeta:  mat.NewDense(1, dim, nil),
	}
}

func (n *LayerNorm) Forward(x *mat.Dense, _ bool) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	n.xhat = mat.NewDense(r, c, nil)
	n.invStd = make([]float64, r)
	for i := 0; i < r; i++ {
		mean := 0.0
		for j := 0; j < c; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(c)
		variance := 0.0
		for j := 0; j < c; j++ {
			d := x.At(i, j) - mean
			variance += d * d
		}
		variance /= float64(c)
		inv := 1.0 / math.Sqrt(variance+normEps)
		n.invStd[i] = inv
		for j := 0; j < c; j++ {
			xh := (x.At(i, j) - mean) * inv
			n.xhat.Set(i, j, xh)
			y.Set(i, j, xh*n.Gamma.At(0, j)+n.Beta.At(0, j))
		}
	}
	return y
}

func (n *LayerNorm) Backward(grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		sumG, sumGX := 0.0, 0.0
		for j := 0; j < c; j++ {
			g := grad.At(i, j) * n.Gamma.At(0, j)
			sumG += g
			sumGX += g * n.xhat.At(i, j)
		}
		for j := 0; j < c; j++ {
			g := grad.At(i, j) * n.Gamma.At(0, j)
			xh := n.xhat.At(i, j)
			dx.Set(i, j, n.invStd[i]/float64(c)*(float64(c)*g-sumG-xh*sumGX))
			n.dGamma.Set(0, j, n.dGamma.At(0, j)+grad.At(i, j)*xh)
			n.dBeta.Set(0, j, n.dBeta.At(0, j)+grad.At(i, j))
		}
	}
	return dx
}

func (n *LayerNorm) Params() []*mat.Dense { return []*mat.Dense{n.Gamma, n.Beta} }
func (n *LayerNorm) Grads() []*mat.Dense  { return []*mat.Dense{n.dGamma, n.dBeta} }

// BatchNorm1D normalises each column over the batch (rows), with running
// statistics used at inference time.
type BatchNorm1D struct {
	Gamma, Beta   *mat.Dense
	dGamma, dBeta *mat.Dense

	RunningMean, RunningVar *mat.Dense
	Momentum                float64

	xhat   *mat.Dense
	invStd []float64
}

func NewBatchNorm1D(dim int) *BatchNorm1D {
	gamma := mat.NewDense(1, dim, nil)
	rv := mat.NewDense(1, dim, nil)
	for j := 0; j < dim; j++ {
		gamma.Set(0, j, 1)
		rv.Set(0, j, 1)
	}
	return &BatchNorm1D{
		Gamma:       gamma,
		Beta:        mat.NewDense(1, dim, nil),
		dGamma:      mat.NewDense(1, dim, nil),
		dBeta:       mat.NewDense(1, dim, nil),
		RunningMean: mat.NewDense(1, dim, nil),
		RunningVar:  rv,
		Momentum:    0.1,
	}
}

func (n *BatchNorm1D) Forward(x *mat.Dense, train bool) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	n.xhat = mat.NewDense(r, c, nil)
	n.invStd = make([]float64, c)
	for j := 0; j < c; j++ {
		var mean, variance float64
		if train {
			for i := 0; i < r; i++ {
				mean += x.At(i, j)
			}
			mean /= float64(r)
			for i := 0; i < r; i++ {
				d := x.At(i, j) - mean
				variance += d * d
			}
			variance /= float64(r)
			n.RunningMean.Set(0, j, (1-n.Momentum)*n.RunningMean.At(0, j)+n.Momentum*mean)
			n.RunningVar.Set(0, j, (1-n.Momentum)*n.RunningVar.At(0, j)+n.Momentum*variance)
		} else {
			mean = n.RunningMean.At(0, j)
			variance = n.RunningVar.At(0, j)
		}
		inv := 1.0 / math.Sqrt(variance+normEps)
		n.invStd[j] = inv
		for i := 0; i < r; i++ {
			xh := (x.At(i, j) - mean) * inv
			n.xhat.Set(i, j, xh)
			y.Set(i, j, xh*n.Gamma.At(0, j)+n.Beta.At(0, j))
		}
	}
	return y
}

func (n *BatchNorm1D) Backward(grad *mat.Dense) *mat.Dense {
	r, c := grad.Dims()
	dx := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		sumG, sumGX := 0.0, 0.0
		for i := 0; i < r; i++ {
			sumG += grad.At(i, j)
			sumGX += grad.At(i, j) * n.xhat.At(i, j)
		}
		n.dGamma.Set(0, j, n.dGamma.At(0, j)+sumGX)
		n.dBeta.Set(0, j, n.dBeta.At(0, j)+sumG)
		gamma := n.Gamma.At(0, j)
		for i := 0; i < r; i++ {
			g := grad.At(i, j)
			xh := n.xhat.At(i, j)
			dx.Set(i, j, gamma*n.invStd[j]/float64(r)*(float64(r)*g-sumG-xh*sumGX))
		}
	}
	return dx
}

func (n *BatchNorm1D) Params() []*mat.Dense { return []*mat.Dense{n.Gamma, n.Beta} }
func (n *BatchNorm1D) Grads() []*mat.Dense  { return []*mat.Dense{n.dGamma, n.dBeta} }
