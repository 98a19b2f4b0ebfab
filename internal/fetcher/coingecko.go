package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const marketsPath = "/coins/markets"

// CoinGeckoOptions parameterise the CoinGecko markets fetcher.
type CoinGeckoOptions struct {
	BaseURL       string
	APIKey        string
	VsCurrency    string
	Timeout       time.Duration
	UserAgent     string
	RatePerMinute float64
}

// CoinGecko fetches ranked market snapshots from the CoinGecko markets API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewCoinGecko constructs a CoinGecko market data source.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}

	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 10 // free tier budget
	}

	settings := gobreaker.Settings{Name: "coingecko"}
	settings.Interval = time.Minute
	settings.Timeout = time.Minute
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type marketRow struct {
	Symbol       string   `json:"symbol"`
	CurrentPrice *float64 `json:"current_price"`
	Change24h    *float64 `json:"price_change_percentage_24h"`
	TotalVolume  *float64 `json:"total_volume"`
	MarketCap    *float64 `json:"market_cap"`
}

// FetchRanked retrieves up to limit instruments ranked by market cap,
// preserving the source's ordering.
func (c *CoinGecko) FetchRanked(ctx context.Context, limit int) ([]Coin, error) {
	if limit <= 0 {
		return nil, &SourceError{Op: "fetch ranked", Err: errors.New("limit must be positive")}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &SourceError{Op: "rate limit", Err: err}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		coins, err := c.fetch(ctx, limit)
		if err != nil {
			return nil, err
		}
		return coins, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &SourceError{Op: "circuit breaker", Err: err}
		}
		var se *SourceError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, &SourceError{Op: "fetch ranked", Err: err}
	}

	return result.([]Coin), nil
}

func (c *CoinGecko) fetch(ctx context.Context, limit int) ([]Coin, error) {
	params := url.Values{}
	vs := c.opts.VsCurrency
	if vs == "" {
		vs = "usd"
	}
	params.Set("vs_currency", vs)
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("page", "1")
	params.Set("sparkline", "false")
	params.Set("price_change_percentage", "24h")

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, marketsPath, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &SourceError{Op: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "coindrift/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &SourceError{Op: "http request", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SourceError{Op: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &SourceError{Op: "http status", Err: parseAPIError(resp.StatusCode, payload)}
	}

	var rows []marketRow
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, &SourceError{Op: "decode response", Err: err}
	}

	coins := make([]Coin, 0, len(rows))
	for _, row := range rows {
		if row.Symbol == "" || row.CurrentPrice == nil {
			continue
		}
		coin := Coin{
			Symbol: strings.ToUpper(row.Symbol),
			Price:  decimal.NewFromFloat(*row.CurrentPrice),
		}
		if row.Change24h != nil {
			coin.Change24h = decimal.NewFromFloat(*row.Change24h)
		}
		if row.TotalVolume != nil {
			coin.Volume24h = decimal.NewFromFloat(*row.TotalVolume)
		}
		if row.MarketCap != nil {
			coin.MarketCap = decimal.NewFromFloat(*row.MarketCap)
		}
		coins = append(coins, coin)
	}

	c.logger.Debug().Int("requested", limit).Int("received", len(coins)).Msg("fetched ranked snapshot")
	return coins, nil
}

type apiErrorResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Error string `json:"error"`
}

func parseAPIError(status int, payload []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

var _ MarketDataSource = (*CoinGecko)(nil)
