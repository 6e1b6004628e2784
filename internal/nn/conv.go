package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Conv1D is a same-padded, stride-1 convolution over the time axis.
// Input is a flattened batch of sequences: (batch*seqLen, inCh), with samples
// stacked contiguously. Output has shape (batch*seqLen, outCh).
type Conv1D struct {
	Kernel int
	SeqLen int
	InCh   int
	OutCh  int

	W, B   *mat.Dense // W is (kernel*inCh, outCh)
	dW, dB *mat.Dense

	cols []*mat.Dense // im2col per sample, cached for backward
}

// NewConv1D builds a He-initialised temporal convolution.
func NewConv1D(kernel, seqLen, inCh, outCh int, rng *rand.Rand) *Conv1D {
	w := mat.NewDense(kernel*inCh, outCh, nil)
	limit := math.Sqrt(2.0 / float64(kernel*inCh))
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, rng.NormFloat64()*limit)
		}
	}
	return &Conv1D{
		Kernel: kernel,
		SeqLen: seqLen,
		InCh:   inCh,
		OutCh:  outCh,
		W:      w,
		B:      mat.NewDense(1, outCh, nil),
		dW:     mat.NewDense(kernel*inCh, outCh, nil),
		dB:     mat.NewDense(1, outCh, nil),
	}
}

func (c *Conv1D) Forward(x *mat.Dense, _ bool) *mat.Dense {
	rows, _ := x.Dims()
	batch := rows / c.SeqLen
	pad := c.Kernel / 2

	out := mat.NewDense(rows, c.OutCh, nil)
	c.cols = c.cols[:0]
	for b := 0; b < batch; b++ {
		col := mat.NewDense(c.SeqLen, c.Kernel*c.InCh, nil)
		base := b * c.SeqLen
		for t := 0; t < c.SeqLen; t++ {
			for k := 0; k < c.Kernel; k++ {
				src := t + k - pad
				if src < 0 || src >= c.SeqLen {
					continue
				}
				for ch := 0; ch < c.InCh; ch++ {
					col.Set(t, k*c.InCh+ch, x.At(base+src, ch))
				}
			}
		}
		c.cols = append(c.cols, col)

		y := mat.NewDense(c.SeqLen, c.OutCh, nil)
		y.Mul(col, c.W)
		addRowVector(y, c.B)
		out.Slice(base, base+c.SeqLen, 0, c.OutCh).(*mat.Dense).Copy(y)
	}
	return out
}

func (c *Conv1D) Backward(grad *mat.Dense) *mat.Dense {
	rows, _ := grad.Dims()
	batch := rows / c.SeqLen
	pad := c.Kernel / 2

	dx := mat.NewDense(rows, c.InCh, nil)
	for b := 0; b < batch; b++ {
		base := b * c.SeqLen
		g := grad.Slice(base, base+c.SeqLen, 0, c.OutCh).(*mat.Dense)

		dW := mat.NewDense(c.Kernel*c.InCh, c.OutCh, nil)
		dW.Mul(c.cols[b].T(), g)
		c.dW.Add(c.dW, dW)
		c.dB.Add(c.dB, colSums(g))

		dcol := mat.NewDense(c.SeqLen, c.Kernel*c.InCh, nil)
		dcol.Mul(g, c.W.T())
		for t := 0; t < c.SeqLen; t++ {
			for k := 0; k < c.Kernel; k++ {
				src := t + k - pad
				if src < 0 || src >= c.SeqLen {
					continue
				}
				for ch := 0; ch < c.InCh; ch++ {
					dx.Set(base+src, ch, dx.At(base+src, ch)+dcol.At(t, k*c.InCh+ch))
				}
			}
		}
	}
	return dx
}

func (c *Conv1D) Params() []*mat.Dense { return []*mat.Dense{c.W, c.B} }
func (c *Conv1D) Grads() []*mat.Dense  { return []*mat.Dense{c.dW, c.dB} }
