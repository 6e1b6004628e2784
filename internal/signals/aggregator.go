package signals

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"rl-trading-bot/internal/market"
)

// neutralBand is the score magnitude below which a source does not count
// toward directional agreement.
const neutralBand = 0.1

// Weights are the per-source fusion weights from the trader config. They are
// expected to sum to 1 by convention; the aggregator warns but does not
// normalise.
type Weights struct {
	ML        float64 `json:"ml"`
	RL        float64 `json:"rl"`
	Sentiment float64 `json:"sentiment"`
	Technical float64 `json:"technical"`
}

// DefaultWeights is an even fusion.
func DefaultWeights() Weights {
	return Weights{ML: 0.25, RL: 0.25, Sentiment: 0.2, Technical: 0.3}
}

func (w Weights) sum() float64 { return w.ML + w.RL + w.Sentiment + w.Technical }

func (w Weights) forSource(name string) float64 {
	switch name {
	case "ml":
		return w.ML
	case "rl":
		return w.RL
	case "sentiment":
		return w.Sentiment
	case "technical":
		return w.Technical
	default:
		return 0
	}
}

// SourceScore is one source's contribution.
type SourceScore struct {
	Name       string                 `json:"name"`
	Score      float64                `json:"score"`
	Confidence float64                `json:"confidence"`
	Weight     float64                `json:"weight"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Failed     bool                   `json:"failed,omitempty"`
}

// Aggregate is the fused signal.
type Aggregate struct {
	WeightedScore float64       `json:"weighted_score"`
	Confidence    float64       `json:"confidence"`
	Agreement     string        `json:"agreement"` // strong | moderate | weak | mixed
	Sources       []SourceScore `json:"sources"`
}

// Aggregator fans the four sources out concurrently and fuses the results.
// A failed source contributes score 0 and confidence 0; collection continues.
type Aggregator struct {
	sources []Source
	weights Weights
	log     zerolog.Logger
}

// NewAggregator wires the sources with their weights, warning when the
// weights do not sum to 1.
func NewAggregator(sources []Source, weights Weights, log zerolog.Logger) *Aggregator {
	a := &Aggregator{
		sources: sources,
		weights: weights,
		log:     log.With().Str("component", "signal_aggregator").Logger(),
	}
	if math.Abs(weights.sum()-1) > 0.01 {
		a.log.Warn().Float64("sum", weights.sum()).Msg("signal weights do not sum to 1")
	}
	return a
}

// Collect evaluates every source for a symbol and fuses them.
func (a *Aggregator) Collect(ctx context.Context, symbol string, frame *market.Frame) *Aggregate {
	results := make([]SourceScore, len(a.sources))
	var wg sync.WaitGroup
	for i, src := range a.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			score, confidence, details, err := src.Evaluate(ctx, symbol, frame)
			result := SourceScore{
				Name:    src.Name(),
				Weight:  a.weights.forSource(src.Name()),
				Details: details,
			}
			if err != nil {
				a.log.Warn().Err(err).Str("symbol", symbol).Str("source", src.Name()).
					Msg("signal source failed")
				result.Failed = true
			} else {
				result.Score = score
				result.Confidence = confidence
			}
			results[i] = result
		}(i, src)
	}
	wg.Wait()

	weighted := 0.0
	confidences := make([]float64, 0, len(results))
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		weighted += r.Weight * r.Score
		confidences = append(confidences, r.Confidence)
		scores = append(scores, r.Score)
	}

	agreement := agreementBucket(scores)
	confidence := stat.Mean(confidences, nil) * agreementMultiplier(agreement)
	if confidence > 1 {
		confidence = 1
	}

	return &Aggregate{
		WeightedScore: weighted,
		Confidence:    confidence,
		Agreement:     agreement,
		Sources:       results,
	}
}

// agreementBucket classifies directional consensus: the majority ratio is
// computed over non-neutral sources, the spread over all scores.
func agreementBucket(scores []float64) string {
	pos, neg := 0, 0
	for _, s := range scores {
		if s > neutralBand {
			pos++
		} else if s < -neutralBand {
			neg++
		}
	}
	nonNeutral := pos + neg
	if nonNeutral == 0 {
		return "mixed"
	}
	ratio := float64(max(pos, neg)) / float64(nonNeutral)
	spread := stat.StdDev(scores, nil)

	switch {
	case ratio >= 0.75 && spread < 0.3:
		return "strong"
	case ratio >= 0.6 && spread < 0.5:
		return "moderate"
	case ratio >= 0.5:
		return "weak"
	default:
		return "mixed"
	}
}

func agreementMultiplier(agreement string) float64 {
	switch agreement {
	case "strong":
		return 1.2
	case "moderate":
		return 1.0
	case "weak":
		return 0.8
	default:
		return 0.6
	}
}
