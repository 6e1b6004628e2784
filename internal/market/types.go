package market

import (
	"errors"
	"time"
)

// ErrInsufficientBars is returned when a frame is too short for the caller.
var ErrInsufficientBars = errors.New("insufficient bars")

// ErrMissingColumns is returned when a chart payload lacks OHLCV data.
var ErrMissingColumns = errors.New("missing OHLCV columns")

// Kline is one OHLCV bar.
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Frame is a time-sorted series of bars for one symbol.
type Frame struct {
	Symbol string
	Bars   []Kline
}

// NewFrame validates and wraps bars. Bars must be time-sorted by the caller;
// frames shorter than min are rejected.
func NewFrame(symbol string, bars []Kline, min int) (*Frame, error) {
	if len(bars) < min {
		return nil, ErrInsufficientBars
	}
	return &Frame{Symbol: symbol, Bars: bars}, nil
}

// Len returns the number of bars.
func (f *Frame) Len() int { return len(f.Bars) }

// LastClose returns the close of the final bar.
func (f *Frame) LastClose() float64 {
	if len(f.Bars) == 0 {
		return 0
	}
	return f.Bars[len(f.Bars)-1].Close
}

// Opens returns the open series.
func (f *Frame) Opens() []float64 { return f.column(func(k Kline) float64 { return k.Open }) }

// Highs returns the high series.
func (f *Frame) Highs() []float64 { return f.column(func(k Kline) float64 { return k.High }) }

// Lows returns the low series.
func (f *Frame) Lows() []float64 { return f.column(func(k Kline) float64 { return k.Low }) }

// Closes returns the close series.
func (f *Frame) Closes() []float64 { return f.column(func(k Kline) float64 { return k.Close }) }

// Volumes returns the volume series.
func (f *Frame) Volumes() []float64 { return f.column(func(k Kline) float64 { return k.Volume }) }

// Tail returns a frame holding the last n bars (the whole frame when shorter).
func (f *Frame) Tail(n int) *Frame {
	if n >= len(f.Bars) {
		return f
	}
	return &Frame{Symbol: f.Symbol, Bars: f.Bars[len(f.Bars)-n:]}
}

// Slice returns a sub-frame over [from, to).
func (f *Frame) Slice(from, to int) *Frame {
	if from < 0 {
		from = 0
	}
	if to > len(f.Bars) {
		to = len(f.Bars)
	}
	return &Frame{Symbol: f.Symbol, Bars: f.Bars[from:to]}
}

func (f *Frame) column(get func(Kline) float64) []float64 {
	out := make([]float64, len(f.Bars))
	for i, k := range f.Bars {
		out[i] = get(k)
	}
	return out
}
