package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MultiHeadAttention is scaled dot-product self-attention over flattened
// sequence batches: input (batch*seqLen, dModel), samples stacked
// contiguously.
type MultiHeadAttention struct {
	DModel   int
	NumHeads int
	SeqLen   int

	wq, wk, wv, wo *Linear

	// Per sample, per head caches for backward.
	q, k, v, attn [][]*mat.Dense
}

func NewMultiHeadAttention(dModel, numHeads, seqLen int, rng *rand.Rand) *MultiHeadAttention {
	return &MultiHeadAttention{
		DModel:   dModel,
		NumHeads: numHeads,
		SeqLen:   seqLen,
		wq:       NewLinear(dModel, dModel, rng),
		wk:       NewLinear(dModel, dModel, rng),
		wv:       NewLinear(dModel, dModel, rng),
		wo:       NewLinear(dModel, dModel, rng),
	}
}

func (m *MultiHeadAttention) Forward(x *mat.Dense, train bool) *mat.Dense {
	rows, _ := x.Dims()
	batch := rows / m.SeqLen
	dk := m.DModel / m.NumHeads
	scale := 1.0 / math.Sqrt(float64(dk))

	q := m.wq.Forward(x, train)
	k := m.wk.Forward(x, train)
	v := m.wv.Forward(x, train)

	m.q = make([][]*mat.Dense, batch)
	m.k = make([][]*mat.Dense, batch)
	m.v = make([][]*mat.Dense, batch)
	m.attn = make([][]*mat.Dense, batch)

	concat := mat.NewDense(rows, m.DModel, nil)
	for b := 0; b < batch; b++ {
		base := b * m.SeqLen
		m.q[b] = make([]*mat.Dense, m.NumHeads)
		m.k[b] = make([]*mat.Dense, m.NumHeads)
		m.v[b] = make([]*mat.Dense, m.NumHeads)
		m.attn[b] = make([]*mat.Dense, m.NumHeads)
		for h := 0; h < m.NumHeads; h++ {
			lo := h * dk
			qh := mat.DenseCopyOf(q.Slice(base, base+m.SeqLen, lo, lo+dk))
			kh := mat.DenseCopyOf(k.Slice(base, base+m.SeqLen, lo, lo+dk))
			vh := mat.DenseCopyOf(v.Slice(base, base+m.SeqLen, lo, lo+dk))
			m.q[b][h], m.k[b][h], m.v[b][h] = qh, kh, vh

			scores := mat.NewDense(m.SeqLen, m.SeqLen, nil)
			scores.Mul(qh, kh.T())
			scores.Scale(scale, scores)
			softmaxRowsInPlace(scores)
			m.attn[b][h] = scores

			out := mat.NewDense(m.SeqLen, dk, nil)
			out.Mul(scores, vh)
			concat.Slice(base, base+m.SeqLen, lo, lo+dk).(*mat.Dense).Copy(out)
		}
	}
	return m.wo.Forward(concat, train)
}

func (m *MultiHeadAttention) Backward(grad *mat.Dense) *mat.Dense {
	rows, _ := grad.Dims()
	batch := rows / m.SeqLen
	dk := m.DModel / m.NumHeads
	scale := 1.0 / math.Sqrt(float64(dk))

	dConcat := m.wo.Backward(grad)

	dq := mat.NewDense(rows, m.DModel, nil)
	dkm := mat.NewDense(rows, m.DModel, nil)
	dv := mat.NewDense(rows, m.DModel, nil)
	for b := 0; b < batch; b++ {
		base := b * m.SeqLen
		for h := 0; h < m.NumHeads; h++ {
			lo := h * dk
			dOut := mat.DenseCopyOf(dConcat.Slice(base, base+m.SeqLen, lo, lo+dk))
			a := m.attn[b][h]

			dVh := mat.NewDense(m.SeqLen, dk, nil)
			dVh.Mul(a.T(), dOut)

			dA := mat.NewDense(m.SeqLen, m.SeqLen, nil)
			dA.Mul(dOut, m.v[b][h].T())
			dS := softmaxRowsBackward(a, dA)
			dS.Scale(scale, dS)

			dQh := mat.NewDense(m.SeqLen, dk, nil)
			dQh.Mul(dS, m.k[b][h])
			dKh := mat.NewDense(m.SeqLen, dk, nil)
			dKh.Mul(dS.T(), m.q[b][h])

			dq.Slice(base, base+m.SeqLen, lo, lo+dk).(*mat.Dense).Copy(dQh)
			dkm.Slice(base, base+m.SeqLen, lo, lo+dk).(*mat.Dense).Copy(dKh)
			dv.Slice(base, base+m.SeqLen, lo, lo+dk).(*mat.Dense).Copy(dVh)
		}
	}

	dx := m.wq.Backward(dq)
	dx.Add(dx, m.wk.Backward(dkm))
	dx.Add(dx, m.wv.Backward(dv))
	return dx
}

func (m *MultiHeadAttention) Params() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, m.wq.Params()...)
	out = append(out, m.wk.Params()...)
	out = append(out, m.wv.Params()...)
	out = append(out, m.wo.Params()...)
	return out
}

func (m *MultiHeadAttention) Grads() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, m.wq.Grads()...)
	out = append(out, m.wk.Grads()...)
	out = append(out, m.wv.Grads()...)
	out = append(out, m.wo.Grads()...)
	return out
}

// softmaxRowsInPlace applies a numerically stable softmax to each row.
func softmaxRowsInPlace(x *mat.Dense) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		maxV := math.Inf(-1)
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(x.At(i, j) - maxV)
			x.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			x.Set(i, j, x.At(i, j)/sum)
		}
	}
}

// SoftmaxRows returns the row-wise softmax of x.
func SoftmaxRows(x *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(x)
	softmaxRowsInPlace(out)
	return out
}

// softmaxRowsBackward computes the Jacobian-vector product of a row softmax:
// dx_ij = a_ij * (g_ij - sum_k g_ik a_ik).
func softmaxRowsBackward(a, grad *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		dot := 0.0
		for j := 0; j < c; j++ {
			dot += grad.At(i, j) * a.At(i, j)
		}
		for j := 0; j < c; j++ {
			dx.Set(i, j, a.At(i, j)*(grad.At(i, j)-dot))
		}
	}
	return dx
}

// PositionalEncoding adds fixed sinusoidal position signals to flattened
// sequence batches.
type PositionalEncoding struct {
	SeqLen int
	DModel int
	pe     *mat.Dense
}

func NewPositionalEncoding(seqLen, dModel int) *PositionalEncoding {
	pe := mat.NewDense(seqLen, dModel, nil)
	for pos := 0; pos < seqLen; pos++ {
		for j := 0; j < dModel; j += 2 {
			angle := float64(pos) / math.Pow(10000, float64(j)/float64(dModel))
			pe.Set(pos, j, math.Sin(angle))
			if j+1 < dModel {
				pe.Set(pos, j+1, math.Cos(angle))
			}
		}
	}
	return &PositionalEncoding{SeqLen: seqLen, DModel: dModel, pe: pe}
}

func (p *PositionalEncoding) Forward(x *mat.Dense, _ bool) *mat.Dense {
	rows, c := x.Dims()
	y := mat.NewDense(rows, c, nil)
	for i := 0; i < rows; i++ {
		pos := i % p.SeqLen
		for j := 0; j < c; j++ {
			y.Set(i, j, x.At(i, j)+p.pe.At(pos, j))
		}
	}
	return y
}

func (p *PositionalEncoding) Backward(grad *mat.Dense) *mat.Dense { return grad }
func (p *PositionalEncoding) Params() []*mat.Dense                { return nil }
func (p *PositionalEncoding) Grads() []*mat.Dense                 { return nil }

// EncoderBlock is a post-norm transformer encoder layer: self-attention with
// a residual connection and layer norm, then a feed-forward sublayer with the
// same arrangement.
type EncoderBlock struct {
	Attn  *MultiHeadAttention
	Norm1 *LayerNorm
	FF    *Sequential
	Norm2 *LayerNorm
	Drop  *Dropout

	x1 *mat.Dense
}

func NewEncoderBlock(dModel, numHeads, ffDim, seqLen int, dropout float64, rng *rand.Rand) *EncoderBlock {
	return &EncoderBlock{
		Attn:  NewMultiHeadAttention(dModel, numHeads, seqLen, rng),
		Norm1: NewLayerNorm(dModel),
		FF: NewSequential(
			NewLinear(dModel, ffDim, rng),
			NewReLU(),
			NewLinear(ffDim, dModel, rng),
		),
		Norm2: NewLayerNorm(dModel),
		Drop:  NewDropout(dropout, rng),
	}
}

func (e *EncoderBlock) Forward(x *mat.Dense, train bool) *mat.Dense {
	attn := e.Drop.Forward(e.Attn.Forward(x, train), train)
	sum := mat.DenseCopyOf(x)
	sum.Add(sum, attn)
	x1 := e.Norm1.Forward(sum, train)
	e.x1 = x1

	ff := e.FF.Forward(x1, train)
	sum2 := mat.DenseCopyOf(x1)
	sum2.Add(sum2, ff)
	return e.Norm2.Forward(sum2, train)
}

func (e *EncoderBlock) Backward(grad *mat.Dense) *mat.Dense {
	d2 := e.Norm2.Backward(grad)
	dx1 := mat.DenseCopyOf(d2)
	dx1.Add(dx1, e.FF.Backward(d2))

	d1 := e.Norm1.Backward(dx1)
	dx := mat.DenseCopyOf(d1)
	dx.Add(dx, e.Attn.Backward(e.Drop.Backward(d1)))
	return dx
}

func (e *EncoderBlock) Params() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, e.Attn.Params()...)
	out = append(out, e.Norm1.Params()...)
	out = append(out, e.FF.Params()...)
	out = append(out, e.Norm2.Params()...)
	return out
}

func (e *EncoderBlock) Grads() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, e.Attn.Grads()...)
	out = append(out, e.Norm1.Grads()...)
	out = append(out, e.FF.Grads()...)
	out = append(out, e.Norm2.Grads()...)
	return out
}
