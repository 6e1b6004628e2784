package envsim

// Action is a discrete environment action.
type Action int

// The 7-action head covers long-only trading; the 13-action head appends
// the short-side actions when short selling is enabled.
const (
	ActionHold Action = iota
	ActionBuySmall
	ActionBuyMedium
	ActionBuyLarge
	ActionSellSmall
	ActionSellMedium
	ActionSellAll
	ActionShortSmall
	ActionShortMedium
	ActionShortLarge
	ActionCoverSmall
	ActionCoverMedium
	ActionCoverAll
)

// NumActionsLong and NumActionsShort are the action-space sizes without and
// with short selling.
const (
	NumActionsLong  = 7
	NumActionsShort = 13
)

// Position fractions of cash (buy/short) or of the open position (sell/cover).
const (
	FractionSmall  = 0.10
	FractionMedium = 0.25
	FractionLarge  = 0.50
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "hold"
	case ActionBuySmall:
		return "buy_small"
	case ActionBuyMedium:
		return "buy_medium"
	case ActionBuyLarge:
		return "buy_large"
	case ActionSellSmall:
		return "sell_small"
	case ActionSellMedium:
		return "sell_medium"
	case ActionSellAll:
		return "sell_all"
	case ActionShortSmall:
		return "short_small"
	case ActionShortMedium:
		return "short_medium"
	case ActionShortLarge:
		return "short_large"
	case ActionCoverSmall:
		return "cover_small"
	case ActionCoverMedium:
		return "cover_medium"
	case ActionCoverAll:
		return "cover_all"
	default:
		return "unknown"
	}
}

// fraction returns the cash/position fraction for sized actions, and whether
// the action closes the full position.
func (a Action) fraction() (frac float64, all bool) {
	switch a {
	case ActionBuySmall, ActionSellSmall, ActionShortSmall, ActionCoverSmall:
		return FractionSmall, false
	case ActionBuyMedium, ActionSellMedium, ActionShortMedium, ActionCoverMedium:
		return FractionMedium, false
	case ActionBuyLarge, ActionShortLarge:
		return FractionLarge, false
	case ActionSellAll, ActionCoverAll:
		return 1.0, true
	default:
		return 0, false
	}
}
