package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/market"
)

type stubSource struct {
	name       string
	score      float64
	confidence float64
	err        error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Evaluate(_ context.Context, _ string, _ *market.Frame) (float64, float64, map[string]interface{}, error) {
	if s.err != nil {
		return 0, 0, nil, s.err
	}
	return s.score, s.confidence, map[string]interface{}{"stub": true}, nil
}

func collect(t *testing.T, sources []Source, weights Weights) *Aggregate {
	t.Helper()
	a := NewAggregator(sources, weights, zerolog.Nop())
	return a.Collect(context.Background(), "TEST", &market.Frame{Symbol: "TEST"})
}

func TestWeightedScoreAndStrongAgreement(t *testing.T) {
	sources := []Source{
		&stubSource{name: "ml", score: 0.5, confidence: 0.8},
		&stubSource{name: "rl", score: 0.6, confidence: 0.7},
		&stubSource{name: "sentiment", score: 0.4, confidence: 0.6},
		&stubSource{name: "technical", score: 0.5, confidence: 0.9},
	}
	w := Weights{ML: 0.25, RL: 0.25, Sentiment: 0.25, Technical: 0.25}

	agg := collect(t, sources, w)

	assert.InDelta(t, 0.25*0.5+0.25*0.6+0.25*0.4+0.25*0.5, agg.WeightedScore, 1e-12)
	assert.Equal(t, "strong", agg.Agreement)
	// mean(0.8,0.7,0.6,0.9) * 1.2
	assert.InDelta(t, 0.75*1.2, agg.Confidence, 1e-12)
}

func TestConfidenceClampedToOne(t *testing.T) {
	sources := []Source{
		&stubSource{name: "ml", score: 0.9, confidence: 1.0},
		&stubSource{name: "rl", score: 0.9, confidence: 1.0},
		&stubSource{name: "sentiment", score: 0.9, confidence: 1.0},
		&stubSource{name: "technical", score: 0.9, confidence: 1.0},
	}
	agg := collect(t, sources, DefaultWeights())
	assert.Equal(t, 1.0, agg.Confidence)
}

func TestFailedSourceContributesZeroAndLoopContinues(t *testing.T) {
	sources := []Source{
		&stubSource{name: "ml", err: errors.New("timeout")},
		&stubSource{name: "rl", score: 0.8, confidence: 0.9},
		&stubSource{name: "sentiment", score: 0.7, confidence: 0.8},
		&stubSource{name: "technical", score: 0.75, confidence: 0.85},
	}
	w := Weights{ML: 0.4, RL: 0.2, Sentiment: 0.2, Technical: 0.2}

	agg := collect(t, sources, w)

	require.Len(t, agg.Sources, 4)
	assert.True(t, agg.Sources[0].Failed)
	assert.Equal(t, 0.0, agg.Sources[0].Score)
	assert.Equal(t, 0.0, agg.Sources[0].Confidence)
	assert.InDelta(t, 0.2*0.8+0.2*0.7+0.2*0.75, agg.WeightedScore, 1e-12)
}

func TestAgreementBuckets(t *testing.T) {
	cases := []struct {
		name   string
		scores []float64
		want   string
	}{
		{"all neutral", []float64{0, 0.05, -0.05, 0.02}, "mixed"},
		{"split directions", []float64{0.8, -0.8, 0.7, -0.7}, "weak"},
		{"tight bullish", []float64{0.5, 0.55, 0.6, 0.5}, "strong"},
		{"loose bullish", []float64{0.9, 0.2, 0.8, 0.15}, "moderate"},
		{"majority below half", []float64{0.9, -0.9, -0.8, 0.85}, "weak"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, agreementBucket(tc.scores))
		})
	}
}

func TestRSIBandScores(t *testing.T) {
	assert.Equal(t, 0.8, rsiBandScore(25))
	assert.Equal(t, 0.4, rsiBandScore(35))
	assert.Equal(t, 0.0, rsiBandScore(50))
	assert.Equal(t, -0.4, rsiBandScore(65))
	assert.Equal(t, -0.8, rsiBandScore(75))
}

func TestMAStackScores(t *testing.T) {
	assert.Equal(t, 0.7, maStackScore(110, 105, 100))
	assert.Equal(t, 0.3, maStackScore(110, 105, 108))
	assert.Equal(t, -0.7, maStackScore(90, 95, 100))
	assert.Equal(t, -0.3, maStackScore(90, 95, 92))
}
