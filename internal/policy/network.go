package policy

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"rl-trading-bot/internal/nn"
)

// Arch records the shape parameters a network was built with, so an artifact
// can be reconstructed exactly.
type Arch struct {
	ObsDim      int `msgpack:"obs_dim"`
	NumActions  int `msgpack:"num_actions"`
	Window      int `msgpack:"window"`
	NumFeatures int `msgpack:"num_features"`
}

// featureExtractor turns raw observations into the latent the actor and
// critic heads consume.
type featureExtractor interface {
	nn.Layer
	outDim() int
	runningStats() []*mat.Dense
}

// identityExtractor passes observations through unchanged (MLP policy).
type identityExtractor struct{ dim int }

func (e *identityExtractor) Forward(x *mat.Dense, _ bool) *mat.Dense { return x }
func (e *identityExtractor) Backward(grad *mat.Dense) *mat.Dense     { return grad }
func (e *identityExtractor) Params() []*mat.Dense                    { return nil }
func (e *identityExtractor) Grads() []*mat.Dense                     { return nil }
func (e *identityExtractor) outDim() int                             { return e.dim }
func (e *identityExtractor) runningStats() []*mat.Dense              { return nil }

// Network is an actor-critic policy: a shared feature extractor feeding a
// logits head and a value head.
type Network struct {
	Arch Arch
	Cfg  AgentConfig

	extractor featureExtractor
	actor     *nn.Sequential
	critic    *nn.Sequential
}

// NewNetwork builds the policy network implied by the agent config: an MLP
// with [256,256] heads, or the transformer extractor with [256,128] heads.
func NewNetwork(cfg AgentConfig, arch Arch, seed int64) *Network {
	rng := rand.New(rand.NewSource(seed))
	n := &Network{Arch: arch, Cfg: cfg}

	if cfg.UseTransformerPolicy {
		n.extractor = newTransformerExtractor(cfg, arch, rng)
		latent := n.extractor.outDim()
		n.actor = nn.NewSequential(
			nn.NewLinear(latent, 256, rng),
			nn.NewTanh(),
			nn.NewLinear(256, 128, rng),
			nn.NewTanh(),
			nn.NewLinear(128, arch.NumActions, rng),
		)
		n.critic = nn.NewSequential(
			nn.NewLinear(latent, 256, rng),
			nn.NewTanh(),
			nn.NewLinear(256, 128, rng),
			nn.NewTanh(),
			nn.NewLinear(128, 1, rng),
		)
		return n
	}

	n.extractor = &identityExtractor{dim: arch.ObsDim}
	n.actor = nn.NewSequential(
		nn.NewLinear(arch.ObsDim, 256, rng),
		nn.NewTanh(),
		nn.NewLinear(256, 256, rng),
		nn.NewTanh(),
		nn.NewLinear(256, arch.NumActions, rng),
	)
	n.critic = nn.NewSequential(
		nn.NewLinear(arch.ObsDim, 256, rng),
		nn.NewTanh(),
		nn.NewLinear(256, 256, rng),
		nn.NewTanh(),
		nn.NewLinear(256, 1, rng),
	)
	return n
}

// Forward runs the shared extractor and both heads.
func (n *Network) Forward(obs *mat.Dense, train bool) (logits, values *mat.Dense) {
	latent := n.extractor.Forward(obs, train)
	return n.actor.Forward(latent, train), n.critic.Forward(latent, train)
}

// Backward accumulates gradients from both head gradients through the shared
// extractor.
func (n *Network) Backward(dLogits, dValues *mat.Dense) {
	dLatent := n.actor.Backward(dLogits)
	dLatent.Add(dLatent, n.critic.Backward(dValues))
	n.extractor.Backward(dLatent)
}

func (n *Network) Params() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, n.extractor.Params()...)
	out = append(out, n.actor.Params()...)
	out = append(out, n.critic.Params()...)
	return out
}

func (n *Network) Grads() []*mat.Dense {
	var out []*mat.Dense
	out = append(out, n.extractor.Grads()...)
	out = append(out, n.actor.Grads()...)
	out = append(out, n.critic.Grads()...)
	return out
}

// stateTensors is everything that must round-trip through an artifact:
// parameters plus batch-norm running statistics.
func (n *Network) stateTensors() []*mat.Dense {
	return append(n.Params(), n.extractor.runningStats()...)
}

// ActionProbs evaluates a single observation deterministically and returns
// the softmax action distribution.
func (n *Network) ActionProbs(obs []float64) []float64 {
	x := mat.NewDense(1, len(obs), obs)
	logits, _ := n.Forward(x, false)
	probs := nn.SoftmaxRows(logits)
	out := make([]float64, n.Arch.NumActions)
	for j := range out {
		out[j] = probs.At(0, j)
	}
	return out
}

// Predict returns the argmax action and the full probability vector.
func (n *Network) Predict(obs []float64) (int, []float64) {
	probs := n.ActionProbs(obs)
	best, bestP := 0, math.Inf(-1)
	for j, p := range probs {
		if p > bestP {
			best, bestP = j, p
		}
	}
	return best, probs
}

// Value evaluates the critic for a single observation.
func (n *Network) Value(obs []float64) float64 {
	x := mat.NewDense(1, len(obs), obs)
	_, v := n.Forward(x, false)
	return v.At(0, 0)
}
