package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ChartClient fetches OHLCV charts from the backend's Yahoo proxy.
type ChartClient struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewChartClient builds a chart client. longTimeout applies to multi-year
// period fetches, timeout to everything else.
func NewChartClient(baseURL string, timeout, longTimeout time.Duration, log zerolog.Logger) *ChartClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if longTimeout == 0 {
		longTimeout = 60 * time.Second
	}
	return &ChartClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: longTimeout,
		},
		log: log.With().Str("component", "chart_client").Logger(),
	}
}

// Close releases idle connections.
func (c *ChartClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// chartResponse mirrors the conventional nested chart.result[0] shape.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// FetchChart returns daily bars for a symbol over the given period
// (one of "5y", "2y", "1y", "1d").
func (c *ChartClient) FetchChart(ctx context.Context, symbol, period string) (*Frame, error) {
	endpoint := fmt.Sprintf("%s/api/yahoo/chart/%s?period=%s&interval=1d",
		c.baseURL, url.PathEscape(symbol), url.QueryEscape(period))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build chart request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chart %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chart %s: backend returned %d: %s", symbol, resp.StatusCode, string(body))
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode chart %s: %w", symbol, err)
	}

	if len(parsed.Chart.Result) == 0 || len(parsed.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, ErrMissingColumns
	}

	result := parsed.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	if quote.Open == nil || quote.High == nil || quote.Low == nil || quote.Close == nil || quote.Volume == nil {
		return nil, ErrMissingColumns
	}

	n := len(result.Timestamp)
	bars := make([]Kline, 0, n)
	for i := 0; i < n; i++ {
		// Yahoo leaves nulls for halted sessions; skip incomplete rows.
		if i >= len(quote.Close) || quote.Close[i] == nil ||
			quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil {
			continue
		}
		vol := 0.0
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			vol = *quote.Volume[i]
		}
		bars = append(bars, Kline{
			OpenTime: time.Unix(result.Timestamp[i], 0).UTC(),
			Open:     *quote.Open[i],
			High:     *quote.High[i],
			Low:      *quote.Low[i],
			Close:    *quote.Close[i],
			Volume:   vol,
		})
	}

	c.log.Debug().Str("symbol", symbol).Str("period", period).Int("bars", len(bars)).Msg("Chart fetched")

	return &Frame{Symbol: symbol, Bars: bars}, nil
}

// FetchVIX fetches the current VIX level via the chart endpoint.
func (c *ChartClient) FetchVIX(ctx context.Context) (float64, error) {
	frame, err := c.FetchChart(ctx, "^VIX", "1d")
	if err != nil {
		return 0, err
	}
	if frame.Len() == 0 {
		return 0, ErrInsufficientBars
	}
	return frame.LastClose(), nil
}
