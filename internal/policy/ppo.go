package policy

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"rl-trading-bot/internal/envsim"
	"rl-trading-bot/internal/nn"
)

// TrainParams are the fixed PPO knobs plus the per-session hyperparameters.
type TrainParams struct {
	NSteps    int
	BatchSize int
	NEpochs   int
	Gamma     float64
	Lambda    float64
	ClipRange float64
	EntCoef   float64
	VfCoef    float64
	LR        float64
}

// DefaultTrainParams is the standard PPO recipe.
func DefaultTrainParams() TrainParams {
	return TrainParams{
		NSteps:    2048,
		BatchSize: 64,
		NEpochs:   10,
		Gamma:     0.99,
		Lambda:    0.95,
		ClipRange: 0.2,
		EntCoef:   0.01,
		VfCoef:    0.5,
		LR:        3e-4,
	}
}

// PPO trains a Network against a set of vectorised environments with the
// clipped surrogate objective.
type PPO struct {
	Net    *Network
	Norm   *VecNormalize
	Params TrainParams

	// Global counters. TotalTimesteps persists across sessions on the same
	// agent; continue-training must never reset it.
	TotalTimesteps int64
	TotalEpisodes  int64
	BestReward     float64
	hasBest        bool

	opt *nn.Adam
	rng *rand.Rand
	log zerolog.Logger

	episodeRewards []float64 // last 100 finished episodes
}

// NewPPO wires a trainer around an existing network and normaliser.
func NewPPO(net *Network, norm *VecNormalize, params TrainParams, seed int64, log zerolog.Logger) *PPO {
	return &PPO{
		Net:    net,
		Norm:   norm,
		Params: params,
		opt:    nn.NewAdam(net, params.LR),
		rng:    rand.New(rand.NewSource(seed)),
		log:    log.With().Str("component", "ppo").Logger(),
	}
}

// Learn runs PPO for sessionTimesteps environment steps across the given
// environments. The context is checked between update epochs.
func (p *PPO) Learn(ctx context.Context, envs []*envsim.Env, sessionTimesteps int64, callbacks []Callback) error {
	numEnvs := len(envs)
	startTimesteps := p.TotalTimesteps

	obs := make([][]float64, numEnvs)
	episodeReturn := make([]float64, numEnvs)
	for i, env := range envs {
		obs[i] = p.Norm.NormalizeObs(env.Reset())
	}

	for p.TotalTimesteps-startTimesteps < sessionTimesteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf := newRolloutBuffer(numEnvs, p.Params.NSteps)

		for step := 0; step < p.Params.NSteps; step++ {
			batch := rowsToDense(obs)
			logits, values := p.Net.Forward(batch, false)
			probs := nn.SoftmaxRows(logits)

			for env := 0; env < numEnvs; env++ {
				action := p.sample(probs, env)
				i := buf.at(step, env)
				buf.obs[i] = obs[env]
				buf.actions[i] = action
				buf.values[i] = values.At(env, 0)
				buf.logProbs[i] = math.Log(probs.At(env, action) + 1e-12)

				rawObs, reward, done := envs[env].Step(envsim.Action(action))
				episodeReturn[env] += reward
				buf.rewards[i] = p.Norm.NormalizeReward(reward, env, done)
				buf.dones[i] = done

				if done {
					p.finishEpisode(episodeReturn[env])
					episodeReturn[env] = 0
					rawObs = envs[env].Reset()
				}
				obs[env] = p.Norm.NormalizeObs(rawObs)
			}
		}
		p.TotalTimesteps += int64(numEnvs * p.Params.NSteps)

		lastValues := make([]float64, numEnvs)
		for env := 0; env < numEnvs; env++ {
			lastValues[env] = p.Net.Value(obs[env])
		}
		buf.computeGAE(lastValues, p.Params.Gamma, p.Params.Lambda)

		progress := float64(p.TotalTimesteps-startTimesteps) / float64(sessionTimesteps)
		if progress > 1 {
			progress = 1
		}
		p.opt.LR = CosineLR(p.Params.LR, 1-progress)

		if err := p.update(ctx, buf); err != nil {
			return err
		}

		update := ProgressUpdate{
			SessionProgress:  progress,
			SessionTimesteps: p.TotalTimesteps - startTimesteps,
			Episodes:         p.TotalEpisodes,
			MeanReward100:    finiteOrNil(p.meanReward()),
		}
		if p.hasBest {
			update.BestReward = finiteOrNil(p.BestReward)
		}
		for _, cb := range callbacks {
			cb.OnRollout(update)
		}
	}
	return nil
}

// update runs the clipped-surrogate epochs over one rollout.
func (p *PPO) update(ctx context.Context, buf *rolloutBuffer) error {
	advMean := stat.Mean(buf.advantages, nil)
	advStd := stat.StdDev(buf.advantages, nil)
	if advStd < 1e-8 {
		advStd = 1e-8
	}

	for epoch := 0; epoch < p.Params.NEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, idx := range buf.minibatchIndices(p.Params.BatchSize, p.rng) {
			p.updateMinibatch(buf, idx, advMean, advStd)
		}
	}
	return nil
}

func (p *PPO) updateMinibatch(buf *rolloutBuffer, idx []int, advMean, advStd float64) {
	bs := len(idx)
	rows := make([][]float64, bs)
	for k, i := range idx {
		rows[k] = buf.obs[i]
	}
	batch := rowsToDense(rows)

	logits, values := p.Net.Forward(batch, true)
	probs := nn.SoftmaxRows(logits)
	numActions := p.Net.Arch.NumActions

	dLogits := mat.NewDense(bs, numActions, nil)
	dValues := mat.NewDense(bs, 1, nil)
	invBS := 1.0 / float64(bs)

	for k, i := range idx {
		a := buf.actions[i]
		adv := (buf.advantages[i] - advMean) / advStd
		logProbNew := math.Log(probs.At(k, a) + 1e-12)
		ratio := math.Exp(logProbNew - buf.logProbs[i])

		// The clipped branch is flat; its gradient is zero.
		active := (adv >= 0 && ratio <= 1+p.Params.ClipRange) ||
			(adv < 0 && ratio >= 1-p.Params.ClipRange)

		entropy := 0.0
		for j := 0; j < numActions; j++ {
			if pj := probs.At(k, j); pj > 1e-12 {
				entropy -= pj * math.Log(pj)
			}
		}

		for j := 0; j < numActions; j++ {
			pj := probs.At(k, j)
			g := 0.0
			if active {
				indicator := 0.0
				if j == a {
					indicator = 1
				}
				g -= adv * ratio * (indicator - pj)
			}
			// Entropy bonus: minimise -entCoef * H.
			if pj > 1e-12 {
				g += p.Params.EntCoef * pj * (math.Log(pj) + entropy)
			}
			dLogits.Set(k, j, g*invBS)
		}

		dValues.Set(k, 0, 2*p.Params.VfCoef*(values.At(k, 0)-buf.returns[i])*invBS)
	}

	p.Net.Backward(dLogits, dValues)
	p.opt.Step()
}

// sample draws an action from one row of the probability matrix.
func (p *PPO) sample(probs *mat.Dense, row int) int {
	_, numActions := probs.Dims()
	u := p.rng.Float64()
	acc := 0.0
	for j := 0; j < numActions; j++ {
		acc += probs.At(row, j)
		if u < acc {
			return j
		}
	}
	return numActions - 1
}

func (p *PPO) finishEpisode(totalReward float64) {
	p.TotalEpisodes++
	if !p.hasBest || totalReward > p.BestReward {
		p.BestReward = totalReward
		p.hasBest = true
	}
	p.episodeRewards = append(p.episodeRewards, totalReward)
	if len(p.episodeRewards) > 100 {
		p.episodeRewards = p.episodeRewards[len(p.episodeRewards)-100:]
	}
}

func (p *PPO) meanReward() float64 {
	if len(p.episodeRewards) == 0 {
		return math.NaN()
	}
	return stat.Mean(p.episodeRewards, nil)
}

// rowsToDense stacks equal-length float slices into a matrix.
func rowsToDense(rows [][]float64) *mat.Dense {
	out := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		out.SetRow(i, r)
	}
	return out
}
