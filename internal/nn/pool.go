package nn

import "gonum.org/v1/gonum/mat"

// MeanPoolLast averages the trailing k timesteps of each sample in a
// flattened sequence batch (batch*seqLen, d), producing (batch, d).
func MeanPoolLast(x *mat.Dense, seqLen, k int) *mat.Dense {
	rows, cols := x.Dims()
	batch := rows / seqLen
	if k > seqLen {
		k = seqLen
	}
	out := mat.NewDense(batch, cols, nil)
	for b := 0; b < batch; b++ {
		start := b*seqLen + seqLen - k
		for j := 0; j < cols; j++ {
			sum := 0.0
			for t := 0; t < k; t++ {
				sum += x.At(start+t, j)
			}
			out.Set(b, j, sum/float64(k))
		}
	}
	return out
}

// MeanPoolLastBackward distributes a pooled gradient (batch, d) back over the
// trailing k timesteps of each sample.
func MeanPoolLastBackward(grad *mat.Dense, seqLen, k int) *mat.Dense {
	batch, cols := grad.Dims()
	if k > seqLen {
		k = seqLen
	}
	dx := mat.NewDense(batch*seqLen, cols, nil)
	inv := 1.0 / float64(k)
	for b := 0; b < batch; b++ {
		start := b*seqLen + seqLen - k
		for j := 0; j < cols; j++ {
			g := grad.At(b, j) * inv
			for t := 0; t < k; t++ {
				dx.Set(start+t, j, g)
			}
		}
	}
	return dx
}
