package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"adwatch/internal/monitor"
)

// Show prints recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Status != "" && opts.Status != monitor.StatusActive && opts.Status != monitor.StatusResolved {
		return fmt.Errorf("invalid status %q", opts.Status)
	}

	alerts, err := store.ListAlerts(ctx, opts.Status, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Triggered (UTC)\tRule\tProvider\tCampaign\tSeverity\tStatus\tValue\tThreshold\tResolved")

	for _, alert := range alerts {
		resolved := ""
		if alert.ResolvedAt != nil {
			resolved = alert.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.TriggeredAt.UTC().Format(time.RFC3339),
			alert.RuleID,
			alert.Provider,
			sanitizeInline(alert.CampaignID),
			alert.Severity,
			alert.Status,
			formatDecimal(alert.Value, 2),
			formatDecimal(alert.Threshold, 2),
			resolved,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
