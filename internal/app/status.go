package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Status prints the persisted baseline and alert state.
func (a *App) Status(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	baseline, err := store.LoadBaseline(ctx)
	if err != nil {
		return err
	}
	if baseline == nil {
		fmt.Fprintln(os.Stdout, "no baseline set")
		return nil
	}

	state, err := store.LoadAlertState(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "baseline date: %s (captured %s)\n",
		baseline.Date, baseline.SetAt.Format(time.RFC3339))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tSymbol\tBaseline Price\t24h Change%\tAlerted")

	fired := map[string]bool{}
	if state != nil && state.BaselineDate == baseline.Date {
		for _, symbol := range state.Fired {
			fired[symbol] = true
		}
	}

	for i, coin := range baseline.Coins {
		alerted := ""
		if fired[coin.Symbol] {
			alerted = "yes"
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			i+1, coin.Symbol, coin.Price.String(), coin.Change24h.StringFixed(2), alerted)
	}
	writer.Flush()

	if state != nil && state.BaselineDate != baseline.Date {
		fmt.Fprintln(os.Stdout, "alert state is stale and will reset on next run")
	}
	return nil
}
