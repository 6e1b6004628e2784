package risk

import (
	"sync"

	"github.com/rs/zerolog"
)

// TrailingConfig arms stop tightening once a position is in profit.
// Distance and Activation are fractions of price.
type TrailingConfig struct {
	Enabled    bool    `json:"enabled"`
	Distance   float64 `json:"distance"`
	Activation float64 `json:"activation"`
}

type trailingState struct {
	side      string
	entry     float64
	stop      float64
	highWater float64
	lowWater  float64
	armed     bool
}

// TrailingStops tracks per-symbol water marks and tightens stop levels as a
// position moves into profit. Stops only ever tighten; side decides the
// direction.
type TrailingStops struct {
	cfg TrailingConfig
	log zerolog.Logger

	mu     sync.Mutex
	states map[string]*trailingState
}

// NewTrailingStops builds a tracker for one trader.
func NewTrailingStops(cfg TrailingConfig, log zerolog.Logger) *TrailingStops {
	return &TrailingStops{
		cfg:    cfg,
		log:    log.With().Str("component", "trailing_stops").Logger(),
		states: make(map[string]*trailingState),
	}
}

// Track starts following a position. Re-tracking an already followed symbol
// is a no-op so sweep loops can call it every tick.
func (t *TrailingStops) Track(symbol, side string, entry, stop float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[symbol]; ok {
		return
	}
	t.states[symbol] = &trailingState{
		side:      side,
		entry:     entry,
		stop:      stop,
		highWater: entry,
		lowWater:  entry,
	}
}

// Drop stops following a symbol after its position closes.
func (t *TrailingStops) Drop(symbol string) {
	t.mu.Lock()
	delete(t.states, symbol)
	t.mu.Unlock()
}

// Update observes a price and returns the effective stop level. The second
// return is false when the symbol is not tracked.
func (t *TrailingStops) Update(symbol string, price float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[symbol]
	if !ok || price <= 0 {
		return 0, ok
	}
	if st.side == "short" {
		t.updateShort(symbol, st, price)
	} else {
		t.updateLong(symbol, st, price)
	}
	return st.stop, true
}

func (t *TrailingStops) updateLong(symbol string, st *trailingState, price float64) {
	if price > st.highWater {
		st.highWater = price
	}
	if !st.armed && st.entry > 0 && (price-st.entry)/st.entry >= t.cfg.Activation {
		st.armed = true
	}
	if !st.armed {
		return
	}
	next := st.highWater * (1 - t.cfg.Distance)
	if next > st.stop {
		t.log.Debug().Str("symbol", symbol).Float64("from", st.stop).Float64("to", next).
			Msg("long stop tightened")
		st.stop = next
	}
}

func (t *TrailingStops) updateShort(symbol string, st *trailingState, price float64) {
	if price < st.lowWater {
		st.lowWater = price
	}
	if !st.armed && st.entry > 0 && (st.entry-price)/st.entry >= t.cfg.Activation {
		st.armed = true
	}
	if !st.armed {
		return
	}
	next := st.lowWater * (1 + t.cfg.Distance)
	if st.stop == 0 || next < st.stop {
		t.log.Debug().Str("symbol", symbol).Float64("from", st.stop).Float64("to", next).
			Msg("short stop tightened")
		st.stop = next
	}
}
