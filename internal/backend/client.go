package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Client talks to the trading backend. One client per trader loop; Close
// releases its idle connections on stop.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a backend client with the default request timeout.
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "backend_client").Logger(),
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// ListTraders fetches all AI traders.
func (c *Client) ListTraders(ctx context.Context) ([]Trader, error) {
	var out []Trader
	err := c.doJSON(ctx, http.MethodGet, "/api/ai-traders", nil, &out)
	return out, err
}

// GetPortfolio fetches a trader's portfolio snapshot.
func (c *Client) GetPortfolio(ctx context.Context, traderID string) (*PortfolioSnapshot, error) {
	var out PortfolioSnapshot
	path := fmt.Sprintf("/api/ai-traders/%s/portfolio", url.PathEscape(traderID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LogDecision posts the full decision reasoning tree.
func (c *Client) LogDecision(ctx context.Context, traderID string, decision interface{}) error {
	path := fmt.Sprintf("/api/ai-traders/%s/decisions", url.PathEscape(traderID))
	return c.doJSON(ctx, http.MethodPost, path, decision, nil)
}

// MarkDecisionExecuted marks the most recent matching decision executed.
func (c *Client) MarkDecisionExecuted(ctx context.Context, traderID, symbol, action string) error {
	path := fmt.Sprintf("/api/ai-traders/%s/decisions/mark-executed", url.PathEscape(traderID))
	return c.doJSON(ctx, http.MethodPatch, path, MarkExecutedRequest{Symbol: symbol, Action: action}, nil)
}

// Execute requests a trade execution.
func (c *Client) Execute(ctx context.Context, traderID string, req ExecuteRequest) error {
	path := fmt.Sprintf("/api/ai-traders/%s/execute", url.PathEscape(traderID))
	return c.doJSON(ctx, http.MethodPost, path, req, nil)
}

// PostEvent sends an event notification.
func (c *Client) PostEvent(ctx context.Context, traderID string, event Event) error {
	path := fmt.Sprintf("/api/ai-traders/%s/events", url.PathEscape(traderID))
	return c.doJSON(ctx, http.MethodPost, path, event, nil)
}

// PostTrainingHistory records a finished training session.
func (c *Client) PostTrainingHistory(ctx context.Context, traderID string, record TrainingRecord) error {
	path := fmt.Sprintf("/api/ai-traders/%s/training-history", url.PathEscape(traderID))
	return c.doJSON(ctx, http.MethodPost, path, record, nil)
}

// GetSentiment fetches news sentiment for a symbol.
func (c *Client) GetSentiment(ctx context.Context, symbol string) (*Sentiment, error) {
	var out Sentiment
	path := fmt.Sprintf("/api/ml/sentiment/%s", url.PathEscape(symbol))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
