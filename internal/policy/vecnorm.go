package policy

import (
	"math"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// VecNormalize keeps running observation and reward statistics. In training
// mode every call updates the statistics; in eval/inference mode the frozen
// statistics are applied unchanged.
type VecNormalize struct {
	ObsMean  []float64 `msgpack:"obs_mean"`
	ObsVar   []float64 `msgpack:"obs_var"`
	ObsCount float64   `msgpack:"obs_count"`

	RetVar   float64 `msgpack:"ret_var"`
	RetCount float64 `msgpack:"ret_count"`
	Gamma    float64 `msgpack:"gamma"`

	ClipObs    float64 `msgpack:"clip_obs"`
	ClipReward float64 `msgpack:"clip_reward"`

	Training bool `msgpack:"-"`

	returns []float64 // per-env discounted return accumulators
}

// NewVecNormalize builds training-mode statistics for an observation size.
func NewVecNormalize(obsDim, numEnvs int, gamma float64) *VecNormalize {
	v := &VecNormalize{
		ObsMean:    make([]float64, obsDim),
		ObsVar:     make([]float64, obsDim),
		Gamma:      gamma,
		ClipObs:    10,
		ClipReward: 10,
		Training:   true,
		returns:    make([]float64, numEnvs),
	}
	for i := range v.ObsVar {
		v.ObsVar[i] = 1
	}
	v.RetVar = 1
	return v
}

// NormalizeObs standardises an observation, updating statistics in training
// mode. The input is not mutated.
func (v *VecNormalize) NormalizeObs(obs []float64) []float64 {
	if v.Training {
		v.updateObs(obs)
	}
	out := make([]float64, len(obs))
	for i, x := range obs {
		n := (x - v.ObsMean[i]) / math.Sqrt(v.ObsVar[i]+1e-8)
		out[i] = clip(n, -v.ClipObs, v.ClipObs)
	}
	return out
}

// NormalizeReward scales a reward by the running return standard deviation.
// envIdx selects the per-env discounted return accumulator.
func (v *VecNormalize) NormalizeReward(r float64, envIdx int, done bool) float64 {
	if v.Training && envIdx < len(v.returns) {
		v.returns[envIdx] = v.returns[envIdx]*v.Gamma + r
		v.updateRet(v.returns[envIdx])
		if done {
			v.returns[envIdx] = 0
		}
	}
	return clip(r/math.Sqrt(v.RetVar+1e-8), -v.ClipReward, v.ClipReward)
}

func (v *VecNormalize) updateObs(obs []float64) {
	v.ObsCount++
	for i, x := range obs {
		delta := x - v.ObsMean[i]
		v.ObsMean[i] += delta / v.ObsCount
		v.ObsVar[i] += (delta*(x-v.ObsMean[i]) - v.ObsVar[i]) / v.ObsCount
	}
}

func (v *VecNormalize) updateRet(ret float64) {
	v.RetCount++
	// Welford over the discounted return stream.
	delta := ret
	v.RetVar += (delta*delta - v.RetVar) / v.RetCount
}

// Save writes the statistics to a msgpack file.
func (v *VecNormalize) Save(path string) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadVecNormalize reads statistics from a msgpack file. The result is in
// eval mode; callers re-enable training explicitly.
func LoadVecNormalize(path string, numEnvs int) (*VecNormalize, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v VecNormalize
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	v.Training = false
	v.returns = make([]float64, numEnvs)
	return &v, nil
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
