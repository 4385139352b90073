package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/retry"
)

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	// Endpoint is the ticker URL, e.g. https://api.binance.com/api/v3/ticker/price.
	Endpoint          string
	Symbol            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
}

// HTTPSource reads a ticker endpoint returning {"symbol":"..","price":".."}.
type HTTPSource struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTPSource creates an HTTPSource.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &HTTPSource{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		now:     time.Now,
	}
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  numeric.Decimal `json:"price"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (numeric.Decimal, time.Time, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return numeric.Zero, time.Time{}, fmt.Errorf("price: parse endpoint: %w", err)
	}
	if s.cfg.Symbol != "" {
		q := u.Query()
		q.Set("symbol", s.cfg.Symbol)
		u.RawQuery = q.Encode()
	}

	var out tickerResponse
	err = retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		return s.get(ctx, u.String(), &out)
	})
	if err != nil {
		return numeric.Zero, time.Time{}, err
	}
	if s.cfg.Symbol != "" && out.Symbol != "" && out.Symbol != s.cfg.Symbol {
		return numeric.Zero, time.Time{}, fmt.Errorf("price: ticker returned symbol %q, want %q", out.Symbol, s.cfg.Symbol)
	}
	return out.Price, s.now(), nil
}

func (s *HTTPSource) get(ctx context.Context, target string, out *tickerResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("price: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("price: ticker status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return retry.Permanent(fmt.Errorf("price: ticker status %d: %s", resp.StatusCode, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("price: decode ticker: %w", err))
	}
	return nil
}
