package indicators

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rl-trading-bot/internal/market"
)

func trendingFrame(t *testing.T, n int) *market.Frame {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	bars := make([]market.Kline, n)
	price := 150.0
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		price *= 1 + 0.0005 + rng.NormFloat64()*0.012
		bars[i] = market.Kline{
			OpenTime: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:     price * (1 + rng.NormFloat64()*0.002),
			High:     price * 1.012,
			Low:      price * 0.988,
			Close:    price,
			Volume:   2e6 + rng.Float64()*5e5,
		}
	}
	return &market.Frame{Symbol: "TREND", Bars: bars}
}

func TestComputeRejectsShortFrames(t *testing.T) {
	_, err := Compute(trendingFrame(t, MinBars-1))
	assert.ErrorIs(t, err, market.ErrInsufficientBars)

	_, err = Compute(trendingFrame(t, MinBars))
	assert.NoError(t, err)
}

func TestComputeShapeMatchesFeatureNames(t *testing.T) {
	frame := trendingFrame(t, 250)
	ff, err := Compute(frame)
	require.NoError(t, err)

	assert.Equal(t, "TREND", ff.Symbol)
	assert.Equal(t, frame.Len(), ff.Rows)
	assert.Equal(t, len(FeatureNames), ff.NumFeatures())
	require.Len(t, ff.Features, ff.Rows)
	for i, row := range ff.Features {
		require.Lenf(t, row, ff.NumFeatures(), "row %d", i)
	}
}

func TestComputeLeavesNoGaps(t *testing.T) {
	ff, err := Compute(trendingFrame(t, 300))
	require.NoError(t, err)

	// warmup NaNs from the longer-period indicators must be filled
	for i, row := range ff.Features {
		for j, v := range row {
			require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0),
				"row %d col %s", i, ff.Names[j])
		}
	}
}

func TestComputedValuesAreSane(t *testing.T) {
	frame := trendingFrame(t, 300)
	ff, err := Compute(frame)
	require.NoError(t, err)

	col := func(name string) int {
		for j, n := range ff.Names {
			if n == name {
				return j
			}
		}
		t.Fatalf("missing column %s", name)
		return -1
	}

	rsi := col("rsi_14")
	atrPct := col("atr_pct")
	volRatio := col("volume_ratio")
	closes := frame.Closes()
	sma20 := col("sma_20")

	for i := 200; i < ff.Rows; i++ {
		row := ff.Features[i]
		assert.GreaterOrEqual(t, row[rsi], 0.0)
		assert.LessOrEqual(t, row[rsi], 100.0)
		assert.Greater(t, row[atrPct], 0.0)
		assert.Less(t, row[atrPct], 0.5)
		assert.Greater(t, row[volRatio], 0.0)
		// moving average tracks price within the daily volatility regime
		assert.InEpsilon(t, closes[i], row[sma20], 0.25)
	}
}

func TestWindowSlicing(t *testing.T) {
	ff, err := Compute(trendingFrame(t, 200))
	require.NoError(t, err)

	w := ff.Window(50, 110)
	require.Len(t, w, 60)
	assert.Equal(t, ff.Features[50], w[0])
	assert.Equal(t, ff.Features[109], w[59])
}

func TestMomentumLag(t *testing.T) {
	closes := []float64{100, 102, 104, 106, 108, 110}
	mom := momentum(closes, 2)

	assert.True(t, math.IsNaN(mom[0]))
	assert.True(t, math.IsNaN(mom[1]))
	assert.InDelta(t, 0.04, mom[2], 1e-9)
	assert.InDelta(t, 110.0/106.0-1, mom[5], 1e-9)
}

func TestFillColumn(t *testing.T) {
	nan := math.NaN()

	col := []float64{nan, nan, 3, nan, 5, nan}
	fillColumn(col)
	assert.Equal(t, []float64{3, 3, 3, 3, 5, 5}, col)

	allNaN := []float64{nan, nan}
	fillColumn(allNaN)
	assert.Equal(t, []float64{0, 0}, allNaN)
}

func TestRollingStd(t *testing.T) {
	values := []float64{1, 1, 1, 1, 5}
	out := rollingStd(values, 3)

	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 0.0, out[3], 1e-9)
	// sample std of {1, 1, 5}
	assert.InDelta(t, math.Sqrt(16.0/3.0), out[4], 1e-9)
}
