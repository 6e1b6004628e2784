// Package backend is the HTTP client for the trading backend: traders,
// portfolios, decision logging, execution, events, training history and
// sentiment.
package backend

// Trader is one backend AI-trader row. Personality carries the nested
// configuration tree the scheduler adapts into a TraderConfig.
type Trader struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Status      string                 `json:"status"`
	Personality map[string]interface{} `json:"personality"`
}

// Position is one open position as the backend reports it. Quantity is
// always non-negative; Side is authoritative for direction.
type Position struct {
	Quantity     float64 `json:"quantity"`
	Side         string  `json:"side"` // long | short
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	OpenedAt     string  `json:"opened_at"`
	MarketValue  float64 `json:"market_value"`
	Value        float64 `json:"value"`
}

// PortfolioSnapshot is the backend's view of a trader's book.
type PortfolioSnapshot struct {
	Cash           float64             `json:"cash"`
	TotalValue     float64             `json:"total_value"`
	TotalInvested  float64             `json:"total_invested"`
	PositionsCount int                 `json:"positions_count"`
	Positions      map[string]Position `json:"positions"`
	DailyPnL       float64             `json:"daily_pnl"`
	DailyPnLPct    float64             `json:"daily_pnl_pct"`
	MaxValue       float64             `json:"max_value"`
}

// Sentiment is the news-sentiment payload for one symbol.
type Sentiment struct {
	Sentiment  string   `json:"sentiment"` // positive | negative | neutral
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	NewsCount  int      `json:"news_count"`
	Sources    []string `json:"sources"`
}

// ExecuteRequest asks the backend to execute a trade.
type ExecuteRequest struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Event is a trader event notification.
type Event struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// TrainingRecord is one training-history entry.
type TrainingRecord struct {
	AgentName       string   `json:"agent_name"`
	Symbols         []string `json:"symbols"`
	Timesteps       int64    `json:"timesteps"`
	DurationSeconds float64  `json:"duration_seconds"`
	BestReward      float64  `json:"best_reward"`
	MeanReturn      float64  `json:"mean_return"`
	OOSMeanReturn   *float64 `json:"oos_mean_return,omitempty"`
	Continued       bool     `json:"continued"`
	Status          string   `json:"status"`
	Message         string   `json:"message,omitempty"`
}

// MarkExecutedRequest identifies the most recent matching decision.
type MarkExecutedRequest struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
}
