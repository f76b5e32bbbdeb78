package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"adwatch/internal/storage"
)

// Export renders historical campaign snapshots as CSV and/or a spend chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.AddDate(0, 0, -a.Config.Insights.WindowDays)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(snapshots)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, snapshots); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSpendPNG(opts.PNGPath, snapshots, opts.MaxPoints); err != nil {
			return err
		}
	}

	return nil
}

func writeSnapshotsCSV(path string, snapshots []storage.InsightSnapshot) error {
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

	header := []string{"fetched_at", "provider", "account_id", "campaign_id", "campaign_name", "window_start", "window_end", "impressions", "clicks", "spend", "conversions", "ctr", "cpc"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		record := []string{
			snap.FetchedAt.UTC().Format(time.RFC3339),
			snap.Provider,
			snap.AccountID,
			snap.CampaignID,
			snap.CampaignName,
			snap.WindowStart.UTC().Format("2006-01-02"),
			snap.WindowEnd.UTC().Format("2006-01-02"),
			formatInt(snap.Impressions),
			formatInt(snap.Clicks),
			snap.Spend.String(),
			snap.Conversions.String(),
			snap.CTR.String(),
			snap.CPC.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// spendPoint is total spend across all campaigns of one provider at one fetch.
type spendPoint struct {
	at    time.Time
	spend float64
}

func writeSpendPNG(path string, snapshots []storage.InsightSnapshot, maxPoints int) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	totals := make(map[string]map[time.Time]float64)
	for _, snap := range snapshots {
		byTime, ok := totals[snap.Provider]
		if !ok {
			byTime = make(map[time.Time]float64)
			totals[snap.Provider] = byTime
		}
		byTime[snap.FetchedAt.UTC().Truncate(time.Minute)] += snap.Spend.InexactFloat64()
	}

	providerNames := make([]string, 0, len(totals))
	for name := range totals {
		providerNames = append(providerNames, name)
	}
	sort.Strings(providerNames)

	var series []chart.Series
	for _, name := range providerNames {
		points := make([]spendPoint, 0, len(totals[name]))
		for at, spend := range totals[name] {
			points = append(points, spendPoint{at: at, spend: spend})
		}
		sort.Slice(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })
		points = downsamplePoints(points, maxPoints)

		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, point := range points {
			x[i] = point.at
			y[i] = point.spend
		}
		series = append(series, chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: y,
		})
	}

	spendFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Spend",
			ValueFormatter: spendFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func downsamplePoints(points []spendPoint, max int) []spendPoint {
	if max <= 0 || len(points) <= max {
		return points
	}

	result := make([]spendPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
