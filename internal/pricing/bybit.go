// Package pricing supplies live market prices for the parser's market entry
// fallback.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"github.com/atlas-desktop/signal-relay/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrSymbolNotFound is returned when the exchange lists no ticker for a symbol.
var ErrSymbolNotFound = errors.New("symbol not found")

// CategoryLinear is the USDT perpetual market.
const CategoryLinear = "linear"

// tickerResponse is the subset of /v5/market/tickers the lookup needs
type tickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	} `json:"result"`
}

// BybitClient reads last traded prices from the Bybit public market API.
type BybitClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	category   string
	retry      utils.RetryConfig
}

// NewBybitClient creates a new Bybit price client.
func NewBybitClient(logger *zap.Logger, cfg types.PricingConfig) *BybitClient {
	category := cfg.Category
	if category == "" {
		category = CategoryLinear
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &BybitClient{
		logger: logger.Named("bybit"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		category: category,
		retry: utils.RetryConfig{
			MaxAttempts:  2,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// CurrentPrice returns the last traded price of symbol.
func (c *BybitClient) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := utils.Retry(ctx, c.retry, func(ctx context.Context) (decimal.Decimal, error) {
		return c.fetchTicker(ctx, symbol)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}
	return price.InexactFloat64(), nil
}

func (c *BybitClient) fetchTicker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", c.category)
	params.Set("symbol", strings.ToUpper(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v5/market/tickers?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tickerResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	if tr.RetCode != 0 {
		return decimal.Zero, fmt.Errorf("API error %d: %s", tr.RetCode, tr.RetMsg)
	}
	for _, t := range tr.Result.List {
		if !strings.EqualFold(t.Symbol, symbol) {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid lastPrice %q: %w", t.LastPrice, err)
		}
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("non-positive lastPrice %s", price)
		}
		c.logger.Debug("ticker fetched", zap.String("symbol", t.Symbol), zap.String("price", price.String()))
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
}
