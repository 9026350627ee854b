package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds one provider request.
const DefaultTimeout = 3 * time.Second

// HTTPSource reads GLOBAL_QUOTE-style JSON from a quote provider:
//
//	{"Global Quote": {"05. price": "190.1200"}}
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSource creates a provider client. A non-positive timeout uses
// DefaultTimeout.
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

type globalQuoteResponse struct {
	GlobalQuote struct {
		Symbol string `json:"01. symbol"`
		Price  string `json:"05. price"`
	} `json:"Global Quote"`
}

func (s *HTTPSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	if s.apiKey != "" {
		q.Set("apikey", s.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s: provider status %d", ErrPriceUnavailable, symbol, resp.StatusCode)
	}

	var result globalQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode: %v", ErrPriceUnavailable, symbol, err)
	}
	if result.GlobalQuote.Price == "" {
		return decimal.Zero, fmt.Errorf("%w: %s: symbol not found", ErrPriceUnavailable, symbol)
	}

	px, err := decimal.NewFromString(result.GlobalQuote.Price)
	if err != nil || !px.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: bad price %q", ErrPriceUnavailable, symbol, result.GlobalQuote.Price)
	}
	return px, nil
}
