package envsim

import (
	"math"
	"math/rand"
)

// BrokerProfile parameterises per-trade commission.
// Commission = clamp(flat + value*pct, min, max) + exchange fee; a spread
// cost of value*spreadPct is charged on top.
type BrokerProfile struct {
	Name        string  `json:"name" msgpack:"name"`
	FlatFee     float64 `json:"flat_fee" msgpack:"flat_fee"`
	PctFee      float64 `json:"pct_fee" msgpack:"pct_fee"`
	MinFee      float64 `json:"min_fee" msgpack:"min_fee"`
	MaxFee      float64 `json:"max_fee" msgpack:"max_fee"`
	ExchangeFee float64 `json:"exchange_fee" msgpack:"exchange_fee"`
	SpreadPct   float64 `json:"spread_pct" msgpack:"spread_pct"`
}

// BrokerProfiles are the six built-in cost tables.
var BrokerProfiles = map[string]BrokerProfile{
	"zero_cost": {
		Name: "zero_cost",
	},
	"discount": {
		Name:        "discount",
		FlatFee:     0,
		PctFee:      0.00015,
		MinFee:      0,
		MaxFee:      5,
		ExchangeFee: 0,
		SpreadPct:   0.0001,
	},
	"flat_fee": {
		Name:        "flat_fee",
		FlatFee:     1.0,
		PctFee:      0,
		MinFee:      1.0,
		MaxFee:      1.0,
		ExchangeFee: 0,
		SpreadPct:   0.0002,
	},
	"retail": {
		Name:        "retail",
		FlatFee:     4.95,
		PctFee:      0.0025,
		MinFee:      4.95,
		MaxFee:      69.0,
		ExchangeFee: 0.5,
		SpreadPct:   0.0002,
	},
	"premium": {
		Name:        "premium",
		FlatFee:     9.9,
		PctFee:      0.0025,
		MinFee:      9.9,
		MaxFee:      59.9,
		ExchangeFee: 1.5,
		SpreadPct:   0.0001,
	},
	"crypto": {
		Name:        "crypto",
		FlatFee:     0,
		PctFee:      0.001,
		MinFee:      0,
		MaxFee:      math.MaxFloat64,
		ExchangeFee: 0,
		SpreadPct:   0.0005,
	},
}

// BrokerProfileFor resolves a profile by name, falling back to retail.
func BrokerProfileFor(name string) BrokerProfile {
	if p, ok := BrokerProfiles[name]; ok {
		return p
	}
	return BrokerProfiles["retail"]
}

// Commission computes the per-trade commission for a trade value.
func (p BrokerProfile) Commission(value float64) float64 {
	fee := p.FlatFee + value*p.PctFee
	if fee < p.MinFee {
		fee = p.MinFee
	}
	if fee > p.MaxFee {
		fee = p.MaxFee
	}
	return fee + p.ExchangeFee
}

// SpreadCost is the half-spread charge on a trade value.
func (p BrokerProfile) SpreadCost(value float64) float64 {
	return value * p.SpreadPct
}

// SlippageModel selects how execution slippage is simulated.
type SlippageModel string

const (
	SlippageNone         SlippageModel = "none"
	SlippageFixed        SlippageModel = "fixed"
	SlippageProportional SlippageModel = "proportional"
	SlippageVolume       SlippageModel = "volume"
)

// SlippageConfig parameterises the slippage model.
type SlippageConfig struct {
	Model    SlippageModel `json:"model" msgpack:"model"`
	Bps      float64       `json:"bps" msgpack:"bps"`             // Basis points of trade value
	FixedAmt float64       `json:"fixed_amt" msgpack:"fixed_amt"` // Absolute cost for the fixed model
}

// Cost returns the total slippage cost for a trade.
// proportional: value * bps/10000 * Uniform(0.7, 1.3)
// volume:       value * (bps * (1 + 10*sqrt(shares/barVolume))) / 10000
func (s SlippageConfig) Cost(value, shares, barVolume float64, rng *rand.Rand) float64 {
	switch s.Model {
	case SlippageFixed:
		return s.FixedAmt
	case SlippageProportional:
		jitter := 0.7 + 0.6*rng.Float64()
		return value * s.Bps / 10000 * jitter
	case SlippageVolume:
		impact := 0.0
		if barVolume > 0 {
			impact = 10 * math.Sqrt(shares/barVolume)
		}
		return value * (s.Bps * (1 + impact)) / 10000
	default:
		return 0
	}
}

// ExecutionPrice applies slippage per share against the trade direction.
func (s SlippageConfig) ExecutionPrice(base float64, shares, barVolume float64, isBuy bool, rng *rand.Rand) float64 {
	if shares <= 0 {
		return base
	}
	perShare := s.Cost(base*shares, shares, barVolume, rng) / shares
	if isBuy {
		return base + perShare
	}
	return base - perShare
}
