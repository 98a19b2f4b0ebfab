package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Coin is one instrument from a ranked market snapshot.
type Coin struct {
	Symbol    string
	Price     decimal.Decimal
	Change24h decimal.Decimal
	Volume24h decimal.Decimal
	MarketCap decimal.Decimal
}

// MarketDataSource returns a snapshot of instruments in the source's own
// rank order. Failures are reported as *SourceError.
type MarketDataSource interface {
	FetchRanked(ctx context.Context, limit int) ([]Coin, error)
}

// SourceError marks a transient market data failure (network, auth,
// rate limit). Callers retry on the next scheduled tick.
type SourceError struct {
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("market data source: %s: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// IsSourceError reports whether err originates from the market data source.
func IsSourceError(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}
