package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"coindrift/internal/alerting"
)

// ExportOptions hold parameters for exporting the current drift report.
type ExportOptions struct {
	CSVPath string
	PNGPath string
}

// Export renders today's ranked drift report as CSV and/or a PNG bar chart.
// The computation is the same pure summary the daily report uses.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	trk, cleanup, err := a.oneShotTracker(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	notice, err := trk.Summary(ctx)
	if err != nil {
		return err
	}
	if len(notice.Rows) == 0 {
		a.Logger.Info().Msg("no instruments matched a live quote; nothing to export")
		return nil
	}

	a.Logger.Info().Str("date", notice.Date.String()).Int("rows", len(notice.Rows)).Msg("exporting drift report")

	if opts.CSVPath != "" {
		if err := writeDriftCSV(opts.CSVPath, notice); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeDriftPNG(opts.PNGPath, notice); err != nil {
			return err
		}
	}
	return nil
}

func writeDriftCSV(path string, notice *alerting.SummaryNotice) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"rank", "symbol", "drift_pct", "baseline_price", "live_price", "date", "generated_at"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, row := range notice.Rows {
		record := []string{
			fmt.Sprintf("%d", i+1),
			row.Symbol,
			row.DriftPct.StringFixed(2),
			row.BaselinePrice.String(),
			row.LivePrice.String(),
			notice.Date.String(),
			notice.At.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDriftPNG(path string, notice *alerting.SummaryNotice) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, 0, len(notice.Rows))
	for _, row := range notice.Rows {
		bars = append(bars, chart.Value{
			Label: row.Symbol,
			Value: row.DriftPct.InexactFloat64(),
		})
	}

	graph := chart.BarChart{
		Title:    fmt.Sprintf("Drift vs baseline %s", notice.Date),
		Width:    1280,
		Height:   720,
		BarWidth: 60,
		YAxis: chart.YAxis{
			Name: "Drift (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
