package policy

import (
	"fmt"
	"math"
	"sort"

	"rl-trading-bot/internal/envsim"
	"rl-trading-bot/internal/indicators"
	"rl-trading-bot/internal/market"
)

// TradingSignal is the deterministic inference output of a trained policy.
type TradingSignal struct {
	Signal        string             `json:"signal"`   // buy | sell | hold
	Strength      string             `json:"strength"` // weak | moderate | strong | neutral
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
	Importance    []FeatureImportance `json:"feature_importance,omitempty"`
}

// FeatureImportance is one feature's perturbation impact on the chosen
// action's probability.
type FeatureImportance struct {
	Feature string  `json:"feature"`
	Impact  float64 `json:"impact"`
}

// actionSignal maps a discrete action to (signal, strength). Short-side
// actions map onto the sell/buy direction they trade in.
func actionSignal(a envsim.Action) (string, string) {
	switch a {
	case envsim.ActionBuySmall:
		return "buy", "weak"
	case envsim.ActionBuyMedium:
		return "buy", "moderate"
	case envsim.ActionBuyLarge:
		return "buy", "strong"
	case envsim.ActionSellSmall:
		return "sell", "weak"
	case envsim.ActionSellMedium:
		return "sell", "moderate"
	case envsim.ActionSellAll:
		return "sell", "strong"
	case envsim.ActionShortSmall:
		return "sell", "weak"
	case envsim.ActionShortMedium:
		return "sell", "moderate"
	case envsim.ActionShortLarge:
		return "sell", "strong"
	case envsim.ActionCoverSmall:
		return "buy", "weak"
	case envsim.ActionCoverMedium:
		return "buy", "moderate"
	case envsim.ActionCoverAll:
		return "buy", "strong"
	default:
		return "hold", "neutral"
	}
}

// GetTradingSignal evaluates the policy on the latest bars: the environment
// runs in inference mode (observation anchored at the last bar), the
// normaliser is applied with frozen statistics, and the action is the
// deterministic argmax. Frames shorter than 100 bars are rejected.
func GetTradingSignal(net *Network, norm *VecNormalize, frame *market.Frame, withImportance bool) (*TradingSignal, error) {
	features, err := indicators.Compute(frame)
	if err != nil {
		return nil, fmt.Errorf("features for %s: %w", frame.Symbol, err)
	}
	env, err := envsim.NewEnv(frame, features, net.Cfg.EnvConfig(true, 0))
	if err != nil {
		return nil, err
	}

	rawObs := env.Reset()
	norm.Training = false
	obs := norm.NormalizeObs(rawObs)

	action, probs := net.Predict(obs)
	signal, strength := actionSignal(envsim.Action(action))

	out := &TradingSignal{
		Signal:        signal,
		Strength:      strength,
		Confidence:    probs[action],
		Probabilities: make(map[string]float64, len(probs)),
	}
	for j, p := range probs {
		out.Probabilities[envsim.Action(j).String()] = p
	}

	if withImportance {
		out.Importance = featureImportance(net, norm, rawObs, action, probs[action])
	}
	return out, nil
}

// featureImportance perturbs each technical feature at the latest timestep to
// twice its value (or 0.1 when near zero), renormalises, and measures the
// absolute shift in the chosen action's probability. The top 10 are returned.
func featureImportance(net *Network, norm *VecNormalize, rawObs []float64, chosen int, baseProb float64) []FeatureImportance {
	w := net.Arch.Window
	f := net.Arch.NumFeatures
	lastRow := (w - 1) * f

	impacts := make([]FeatureImportance, 0, f)
	for j := 0; j < f && j < len(indicators.FeatureNames); j++ {
		perturbed := make([]float64, len(rawObs))
		copy(perturbed, rawObs)
		v := perturbed[lastRow+j]
		if math.Abs(v) < 1e-6 {
			perturbed[lastRow+j] = 0.1
		} else {
			perturbed[lastRow+j] = v * 2
		}
		probs := net.ActionProbs(norm.NormalizeObs(perturbed))
		impacts = append(impacts, FeatureImportance{
			Feature: indicators.FeatureNames[j],
			Impact:  math.Abs(probs[chosen] - baseProb),
		})
	}

	sort.Slice(impacts, func(a, b int) bool { return impacts[a].Impact > impacts[b].Impact })
	if len(impacts) > 10 {
		impacts = impacts[:10]
	}
	return impacts
}
