package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"coindrift/internal/clock"
)

// CoinSnapshot is one instrument captured in a baseline. Immutable once
// captured.
type CoinSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// Baseline is the daily reference snapshot drift is measured against.
// Replaced whole, never partially mutated.
type Baseline struct {
	Date  clock.Date     `json:"date"`
	SetAt time.Time      `json:"setAt"`
	Coins []CoinSnapshot `json:"coins"`
}

// Lookup returns the snapshot for a symbol, if present.
func (b *Baseline) Lookup(symbol string) (CoinSnapshot, bool) {
	for _, coin := range b.Coins {
		if coin.Symbol == symbol {
			return coin, true
		}
	}
	return CoinSnapshot{}, false
}

// Clone returns a deep copy safe to use outside the owner's lock.
func (b *Baseline) Clone() *Baseline {
	if b == nil {
		return nil
	}
	coins := make([]CoinSnapshot, len(b.Coins))
	copy(coins, b.Coins)
	return &Baseline{Date: b.Date, SetAt: b.SetAt, Coins: coins}
}

// AlertState records which symbols already alerted against the active
// baseline. baselineDate must match the active Baseline's date; a mismatch
// means the record is stale and the fired set resets before use.
type AlertState struct {
	BaselineDate clock.Date `json:"baselineDate"`
	Fired        []string   `json:"fired"`
}

// NewAlertState returns an empty fired set bound to a baseline date.
func NewAlertState(date clock.Date) AlertState {
	return AlertState{BaselineDate: date, Fired: []string{}}
}

// Has reports whether a symbol has already fired.
func (s *AlertState) Has(symbol string) bool {
	for _, fired := range s.Fired {
		if fired == symbol {
			return true
		}
	}
	return false
}

// Add inserts a symbol into the fired set; duplicates are ignored.
func (s *AlertState) Add(symbol string) {
	if s.Has(symbol) {
		return
	}
	s.Fired = append(s.Fired, symbol)
}
