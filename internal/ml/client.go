// Package ml is the client for the price-forecast service.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// forecastWindow is the number of trailing closes sent with a prediction
// request.
const forecastWindow = 100

// Forecast is the service's price prediction for one symbol.
type Forecast struct {
	PredictedPrice  float64 `json:"predicted_price"`
	PredictedChange float64 `json:"predicted_change"` // relative to last close
	Confidence      float64 `json:"confidence"`
	Model           string  `json:"model,omitempty"`
}

type predictRequest struct {
	Symbol string    `json:"symbol"`
	Closes []float64 `json:"closes"`
}

// Client calls the ML forecast service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a forecast client.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "ml_client").Logger(),
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Predict requests a forecast from the last 100 closes. Shorter series are
// sent whole.
func (c *Client) Predict(ctx context.Context, symbol string, closes []float64) (*Forecast, error) {
	if len(closes) > forecastWindow {
		closes = closes[len(closes)-forecastWindow:]
	}
	payload, err := json.Marshal(predictRequest{Symbol: symbol, Closes: closes})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ml/predict", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ml predict %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ml predict %s: status %d: %s", symbol, resp.StatusCode, snippet)
	}

	var out Forecast
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ml predict %s: decode: %w", symbol, err)
	}
	return &out, nil
}
