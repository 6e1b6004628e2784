package indicators

import (
	"fmt"
	"math"

	talib "github.com/markcheno/go-talib"

	"rl-trading-bot/internal/market"
)

// MinBars is the minimum frame length accepted by the pipeline.
const MinBars = 100

// FeatureNames is the fixed feature order produced by Compute. The
// environment observation and feature-importance reports rely on it.
var FeatureNames = []string{
	"returns", "log_returns",
	"sma_20", "sma_50", "sma_200",
	"ema_12", "ema_26",
	"rsi_14", "rsi_smooth_9",
	"macd", "macd_signal", "macd_hist",
	"bb_upper", "bb_middle", "bb_lower", "bb_width", "bb_position",
	"atr_14", "atr_pct",
	"obv", "obv_ema_20",
	"adx_14", "plus_di", "minus_di",
	"stoch_k", "stoch_d",
	"cci_20", "mfi_14",
	"volatility_20", "gap",
	"volume_sma_20", "volume_ratio",
	"momentum_5", "momentum_10", "momentum_20",
}

// FeatureFrame holds the computed feature matrix, row-aligned with the
// source bars.
type FeatureFrame struct {
	Symbol   string
	Names    []string
	Rows     int
	Features [][]float64 // Rows x len(Names)
}

// NumFeatures returns the feature column count.
func (ff *FeatureFrame) NumFeatures() int { return len(ff.Names) }

// Window returns rows [from, to) as a matrix slice.
func (ff *FeatureFrame) Window(from, to int) [][]float64 {
	return ff.Features[from:to]
}

// Compute derives the full technical feature set from a bar frame.
func Compute(frame *market.Frame) (*FeatureFrame, error) {
	n := frame.Len()
	if n < MinBars {
		return nil, fmt.Errorf("%w: got %d bars, need %d", market.ErrInsufficientBars, n, MinBars)
	}

	opens := frame.Opens()
	highs := frame.Highs()
	lows := frame.Lows()
	closes := frame.Closes()
	volumes := frame.Volumes()

	returns := make([]float64, n)
	logReturns := make([]float64, n)
	gap := make([]float64, n)
	returns[0], logReturns[0], gap[0] = math.NaN(), math.NaN(), math.NaN()
	for i := 1; i < n; i++ {
		if closes[i-1] != 0 {
			returns[i] = closes[i]/closes[i-1] - 1
			logReturns[i] = math.Log(closes[i] / closes[i-1])
			gap[i] = opens[i]/closes[i-1] - 1
		}
	}

	sma20 := talib.Sma(closes, 20)
	sma50 := talib.Sma(closes, 50)
	sma200 := smaOrFallback(closes, 200)
	ema12 := talib.Ema(closes, 12)
	ema26 := talib.Ema(closes, 26)

	rsi := talib.Rsi(closes, 14)
	rsiSmooth := talib.Sma(rsi, 9)

	macd, macdSignal, macdHist := talib.Macd(closes, 12, 26, 9)

	bbUpper, bbMiddle, bbLower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	bbWidth := make([]float64, n)
	bbPosition := make([]float64, n)
	for i := 0; i < n; i++ {
		if bbMiddle[i] != 0 {
			bbWidth[i] = (bbUpper[i] - bbLower[i]) / bbMiddle[i]
		}
		if span := bbUpper[i] - bbLower[i]; span != 0 {
			bbPosition[i] = (closes[i] - bbLower[i]) / span
		}
	}

	atr := talib.Atr(highs, lows, closes, 14)
	atrPct := make([]float64, n)
	for i := 0; i < n; i++ {
		if closes[i] != 0 {
			atrPct[i] = atr[i] / closes[i]
		}
	}

	obv := talib.Obv(closes, volumes)
	obvEma := talib.Ema(obv, 20)

	adx := talib.Adx(highs, lows, closes, 14)
	plusDI := talib.PlusDI(highs, lows, closes, 14)
	minusDI := talib.MinusDI(highs, lows, closes, 14)

	stochK, stochD := talib.Stoch(highs, lows, closes, 14, 3, talib.SMA, 3, talib.SMA)

	cci := talib.Cci(highs, lows, closes, 20)
	mfi := talib.Mfi(highs, lows, closes, volumes, 14)

	volatility := rollingStd(returns, 20)

	volumeSMA := talib.Sma(volumes, 20)
	volumeRatio := make([]float64, n)
	for i := 0; i < n; i++ {
		if volumeSMA[i] != 0 {
			volumeRatio[i] = volumes[i] / volumeSMA[i]
		}
	}

	mom5 := momentum(closes, 5)
	mom10 := momentum(closes, 10)
	mom20 := momentum(closes, 20)

	columns := [][]float64{
		returns, logReturns,
		sma20, sma50, sma200,
		ema12, ema26,
		rsi, rsiSmooth,
		macd, macdSignal, macdHist,
		bbUpper, bbMiddle, bbLower, bbWidth, bbPosition,
		atr, atrPct,
		obv, obvEma,
		adx, plusDI, minusDI,
		stochK, stochD,
		cci, mfi,
		volatility, gap,
		volumeSMA, volumeRatio,
		mom5, mom10, mom20,
	}

	for _, col := range columns {
		fillColumn(col)
	}

	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, len(columns))
		for j, col := range columns {
			row[j] = col[i]
		}
		rows[i] = row
	}

	return &FeatureFrame{
		Symbol:   frame.Symbol,
		Names:    FeatureNames,
		Rows:     n,
		Features: rows,
	}, nil
}

// smaOrFallback computes an SMA even when the series is shorter than the
// period, by shrinking the period to the series length.
func smaOrFallback(values []float64, period int) []float64 {
	if len(values) < period {
		period = len(values)
	}
	return talib.Sma(values, period)
}

// momentum is the fractional price change over lag bars.
func momentum(closes []float64, lag int) []float64 {
	out := make([]float64, len(closes))
	for i := range out {
		if i < lag || closes[i-lag] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = closes[i]/closes[i-lag] - 1
	}
	return out
}

// rollingStd computes the trailing standard deviation of a series.
func rollingStd(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i+1 < window {
			out[i] = math.NaN()
			continue
		}
		mean, count := 0.0, 0
		for j := i + 1 - window; j <= i; j++ {
			if !math.IsNaN(values[j]) {
				mean += values[j]
				count++
			}
		}
		if count < 2 {
			out[i] = math.NaN()
			continue
		}
		mean /= float64(count)
		ss := 0.0
		for j := i + 1 - window; j <= i; j++ {
			if !math.IsNaN(values[j]) {
				d := values[j] - mean
				ss += d * d
			}
		}
		out[i] = math.Sqrt(ss / float64(count-1))
	}
	return out
}

// fillColumn resolves NaN gaps: back-fill the head from the first valid
// value, forward-fill interior gaps, then zero anything still unset.
func fillColumn(col []float64) {
	firstValid := -1
	for i, v := range col {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			firstValid = i
			break
		}
	}
	if firstValid == -1 {
		for i := range col {
			col[i] = 0
		}
		return
	}
	for i := 0; i < firstValid; i++ {
		col[i] = col[firstValid]
	}
	last := col[firstValid]
	for i := firstValid + 1; i < len(col); i++ {
		if math.IsNaN(col[i]) || math.IsInf(col[i], 0) {
			col[i] = last
		} else {
			last = col[i]
		}
	}
}
