package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLinearShapesAndBias(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear(4, 3, rng)
	l.B.Set(0, 1, 2.5)

	x := mat.NewDense(2, 4, nil)
	y := l.Forward(x, true)
	r, c := y.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	assert.InDelta(t, 2.5, y.At(0, 1), 1e-12)
	assert.InDelta(t, 2.5, y.At(1, 1), 1e-12)
}

func TestLinearGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewLinear(3, 2, rng)
	x := mat.NewDense(2, 3, []float64{0.5, -1.2, 0.3, 1.1, 0.0, -0.7})

	// Loss = sum(y); upstream gradient of ones.
	y := l.Forward(x, true)
	ones := mat.NewDense(2, 2, []float64{1, 1, 1, 1})
	dx := l.Backward(ones)

	eps := 1e-6
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			plus := mat.Sum(l.Forward(x, true))
			x.Set(i, j, orig-eps)
			minus := mat.Sum(l.Forward(x, true))
			x.Set(i, j, orig)
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, dx.At(i, j), 1e-5)
		}
	}
	_ = y
}

func TestReLUMasksNegatives(t *testing.T) {
	a := NewReLU()
	x := mat.NewDense(1, 4, []float64{-1, 0, 2, -3})
	y := a.Forward(x, true)
	assert.Equal(t, []float64{0, 0, 2, 0}, y.RawMatrix().Data)

	g := mat.NewDense(1, 4, []float64{1, 1, 1, 1})
	dx := a.Backward(g)
	assert.Equal(t, []float64{0, 0, 1, 0}, dx.RawMatrix().Data)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, -5, 0, 5})
	s := SoftmaxRows(x)
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			v := s.At(i, j)
			require.False(t, math.IsNaN(v))
			require.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	// Largest logit keeps the largest probability.
	assert.Greater(t, s.At(0, 2), s.At(0, 0))
}

func TestLayerNormRowStatistics(t *testing.T) {
	n := NewLayerNorm(5)
	x := mat.NewDense(2, 5, []float64{10, 20, 30, 40, 50, -3, 0, 3, 6, 9})
	y := n.Forward(x, true)
	for i := 0; i < 2; i++ {
		mean, sq := 0.0, 0.0
		for j := 0; j < 5; j++ {
			mean += y.At(i, j)
		}
		mean /= 5
		for j := 0; j < 5; j++ {
			d := y.At(i, j) - mean
			sq += d * d
		}
		assert.InDelta(t, 0.0, mean, 1e-9)
		assert.InDelta(t, 1.0, math.Sqrt(sq/5), 1e-3)
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	n := NewBatchNorm1D(2)
	x := mat.NewDense(4, 2, []float64{1, 10, 2, 20, 3, 30, 4, 40})
	n.Forward(x, true)

	// Eval output must be deterministic under the running statistics.
	y1 := n.Forward(x, false)
	y2 := n.Forward(x, false)
	assert.Equal(t, y1.RawMatrix().Data, y2.RawMatrix().Data)
}

func TestConv1DSameLength(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c := NewConv1D(3, 8, 2, 4, rng)
	x := mat.NewDense(16, 2, nil) // two samples of length 8
	for i := 0; i < 16; i++ {
		x.Set(i, 0, rng.NormFloat64())
		x.Set(i, 1, rng.NormFloat64())
	}
	y := c.Forward(x, true)
	r, cols := y.Dims()
	assert.Equal(t, 16, r)
	assert.Equal(t, 4, cols)

	dx := c.Backward(mat.NewDense(16, 4, nil))
	r, cols = dx.Dims()
	assert.Equal(t, 16, r)
	assert.Equal(t, 2, cols)
}

func TestMultiHeadAttentionShape(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m := NewMultiHeadAttention(8, 2, 5, rng)
	x := mat.NewDense(10, 8, nil) // two samples of length 5
	for i := 0; i < 10; i++ {
		for j := 0; j < 8; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	y := m.Forward(x, true)
	r, c := y.Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 8, c)

	dx := m.Backward(y)
	r, c = dx.Dims()
	assert.Equal(t, 10, r)
	assert.Equal(t, 8, c)
}

func TestMeanPoolLastRoundTrip(t *testing.T) {
	x := mat.NewDense(6, 2, []float64{
		1, 2, 3, 4, 5, 6, // sample 0
		10, 20, 30, 40, 50, 60, // sample 1
	})
	y := MeanPoolLast(x, 3, 2)
	assert.InDelta(t, 4.0, y.At(0, 0), 1e-12) // mean(3, 5)
	assert.InDelta(t, 40.0, y.At(1, 0), 1e-12)

	dx := MeanPoolLastBackward(y, 3, 2)
	r, c := dx.Dims()
	assert.Equal(t, 6, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 0.0, dx.At(0, 0)) // first timestep outside window
	assert.InDelta(t, 2.0, dx.At(1, 0), 1e-12)
}

func TestAdamReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := NewSequential(NewLinear(2, 8, rng), NewTanh(), NewLinear(8, 1, rng))
	opt := NewAdam(model, 1e-2)
	opt.MaxNorm = 0 // tiny problem, no clipping

	x := mat.NewDense(4, 2, []float64{0, 0, 0, 1, 1, 0, 1, 1})
	target := []float64{0, 1, 1, 0}

	loss := func() float64 {
		y := model.Forward(x, true)
		sum := 0.0
		for i := 0; i < 4; i++ {
			d := y.At(i, 0) - target[i]
			sum += d * d
		}
		return sum
	}

	before := loss()
	for it := 0; it < 200; it++ {
		y := model.Forward(x, true)
		g := mat.NewDense(4, 1, nil)
		for i := 0; i < 4; i++ {
			g.Set(i, 0, 2*(y.At(i, 0)-target[i]))
		}
		model.Backward(g)
		opt.Step()
	}
	assert.Less(t, loss(), before)
}
