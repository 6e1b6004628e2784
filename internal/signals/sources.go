// Package signals collects trade signals from the four sources (ML forecast,
// RL policy, news sentiment, technical rules) and fuses them into a weighted
// score with an agreement bucket.
package signals

import (
	"context"
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"rl-trading-bot/internal/agents"
	"rl-trading-bot/internal/backend"
	"rl-trading-bot/internal/market"
	"rl-trading-bot/internal/ml"
	"rl-trading-bot/internal/policy"
)

// Source produces a directional score in [-1,1] and a confidence in [0,1]
// for one symbol.
type Source interface {
	Name() string
	Evaluate(ctx context.Context, symbol string, frame *market.Frame) (score, confidence float64, details map[string]interface{}, err error)
}

// MLSource scores the forecast service's predicted change, saturating at a
// +-10% move.
type MLSource struct {
	Client *ml.Client
}

func (s *MLSource) Name() string { return "ml" }

func (s *MLSource) Evaluate(ctx context.Context, symbol string, frame *market.Frame) (float64, float64, map[string]interface{}, error) {
	forecast, err := s.Client.Predict(ctx, symbol, frame.Closes())
	if err != nil {
		return 0, 0, nil, err
	}
	score := clamp(forecast.PredictedChange/0.10, -1, 1)
	details := map[string]interface{}{
		"predicted_change": forecast.PredictedChange,
		"predicted_price":  forecast.PredictedPrice,
	}
	return score, clamp(forecast.Confidence, 0, 1), details, nil
}

// RLSource runs the trader's trained policy on the frame. An untrained agent
// contributes a neutral signal.
type RLSource struct {
	Registry  *agents.Registry
	AgentName string
}

func (s *RLSource) Name() string { return "rl" }

func (s *RLSource) Evaluate(ctx context.Context, symbol string, frame *market.Frame) (float64, float64, map[string]interface{}, error) {
	if !s.Registry.IsTrained(s.AgentName) {
		return 0, 0, map[string]interface{}{"agent": s.AgentName, "trained": false}, nil
	}
	net, norm, err := s.Registry.LoadPolicy(s.AgentName)
	if err != nil {
		return 0, 0, nil, err
	}
	sig, err := policy.GetTradingSignal(net, norm, frame, false)
	if err != nil {
		return 0, 0, nil, err
	}

	base := 0.0
	switch sig.Strength {
	case "weak":
		base = 0.5
	case "moderate":
		base = 0.75
	case "strong":
		base = 1.0
	}
	score := 0.0
	switch sig.Signal {
	case "buy":
		score = base
	case "sell":
		score = -base
	}
	details := map[string]interface{}{
		"agent":    s.AgentName,
		"signal":   sig.Signal,
		"strength": sig.Strength,
	}
	return score, sig.Confidence, details, nil
}

// SentimentSource maps backend news sentiment onto a signed score.
type SentimentSource struct {
	Client *backend.Client
}

func (s *SentimentSource) Name() string { return "sentiment" }

func (s *SentimentSource) Evaluate(ctx context.Context, symbol string, frame *market.Frame) (float64, float64, map[string]interface{}, error) {
	sentiment, err := s.Client.GetSentiment(ctx, symbol)
	if err != nil {
		return 0, 0, nil, err
	}
	score := 0.0
	switch sentiment.Sentiment {
	case "positive":
		score = math.Abs(sentiment.Score)
	case "negative":
		score = -math.Abs(sentiment.Score)
	}
	details := map[string]interface{}{
		"sentiment":  sentiment.Sentiment,
		"news_count": sentiment.NewsCount,
	}
	return clamp(score, -1, 1), clamp(sentiment.Confidence, 0, 1), details, nil
}

// TechnicalSource scores RSI bands, the MACD histogram sign and the moving
// average stack, locally from the bars.
type TechnicalSource struct{}

func (s *TechnicalSource) Name() string { return "technical" }

func (s *TechnicalSource) Evaluate(_ context.Context, symbol string, frame *market.Frame) (float64, float64, map[string]interface{}, error) {
	if frame.Len() < 100 {
		return 0, 0, nil, fmt.Errorf("%w: technical source needs >= 100 bars for %s", market.ErrInsufficientBars, symbol)
	}
	closes := frame.Closes()
	last := closes[len(closes)-1]

	rsi := talib.Rsi(closes, 14)
	rsiScore := rsiBandScore(rsi[len(rsi)-1])

	_, _, hist := talib.Macd(closes, 12, 26, 9)
	macdScore := 0.5
	if hist[len(hist)-1] < 0 {
		macdScore = -0.5
	}

	sma20 := talib.Sma(closes, 20)
	sma50 := talib.Sma(closes, 50)
	maScore := maStackScore(last, sma20[len(sma20)-1], sma50[len(sma50)-1])

	scores := []float64{rsiScore, macdScore, maScore}
	score := stat.Mean(scores, nil)
	confidence := math.Max(0.3, 1-stat.StdDev(scores, nil))

	details := map[string]interface{}{
		"rsi":        rsi[len(rsi)-1],
		"rsi_score":  rsiScore,
		"macd_score": macdScore,
		"ma_score":   maScore,
	}
	return score, confidence, details, nil
}

func rsiBandScore(rsi float64) float64 {
	switch {
	case rsi < 30:
		return 0.8
	case rsi < 40:
		return 0.4
	case rsi > 70:
		return -0.8
	case rsi >= 60:
		return -0.4
	default:
		return 0
	}
}

func maStackScore(close, sma20, sma50 float64) float64 {
	switch {
	case close > sma20 && sma20 > sma50:
		return 0.7
	case close > sma20:
		return 0.3
	case close < sma20 && sma20 < sma50:
		return -0.7
	case close < sma20:
		return -0.3
	default:
		return 0
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
