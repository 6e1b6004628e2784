package policy

import "math"

// CosineLR maps remaining progress p in [0,1] to a learning rate:
// lr(1) = lr0 at session start, decaying to lr(0) = 0.1*lr0 at the end.
func CosineLR(lr0, progressRemaining float64) float64 {
	p := clip(progressRemaining, 0, 1)
	return lr0 * (0.1 + 0.9*0.5*(1+math.Cos(math.Pi*(1-p))))
}
