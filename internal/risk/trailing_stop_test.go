package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker() *TrailingStops {
	return NewTrailingStops(TrailingConfig{Enabled: true, Distance: 0.03, Activation: 0.02}, zerolog.Nop())
}

func TestTrailingLongOnlyTightens(t *testing.T) {
	ts := newTracker()
	ts.Track("AAPL", "long", 100, 95)

	// below activation profit, stop untouched
	stop, ok := ts.Update("AAPL", 101)
	require.True(t, ok)
	assert.Equal(t, 95.0, stop)

	// armed at 3% profit, trails 3% off the high water mark
	stop, _ = ts.Update("AAPL", 103)
	assert.InDelta(t, 103*0.97, stop, 1e-9)

	// price retreats, stop holds
	stop, _ = ts.Update("AAPL", 100)
	assert.InDelta(t, 103*0.97, stop, 1e-9)
}

func TestTrailingShortTrailsDown(t *testing.T) {
	ts := newTracker()
	ts.Track("TSLA", "short", 100, 105)

	stop, ok := ts.Update("TSLA", 97)
	require.True(t, ok)
	assert.InDelta(t, 97*1.03, stop, 1e-9)

	// bounce does not loosen the stop
	stop, _ = ts.Update("TSLA", 99)
	assert.InDelta(t, 97*1.03, stop, 1e-9)
}

func TestTrailingTrackIsIdempotent(t *testing.T) {
	ts := newTracker()
	ts.Track("AAPL", "long", 100, 95)
	ts.Update("AAPL", 105)
	ts.Track("AAPL", "long", 100, 95) // no reset

	stop, _ := ts.Update("AAPL", 104)
	assert.InDelta(t, 105*0.97, stop, 1e-9)
}

func TestTrailingDrop(t *testing.T) {
	ts := newTracker()
	ts.Track("AAPL", "long", 100, 95)
	ts.Drop("AAPL")

	_, ok := ts.Update("AAPL", 110)
	assert.False(t, ok)
}
