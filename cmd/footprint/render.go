package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	appfootprint "footprint/internal/application/service/footprint"
	domain "footprint/internal/domain/entity/footprint"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

type output struct {
	Report appfootprint.IngestReport `json:"report"`
	Views  []domain.View             `json:"views"`
}

func render(w io.Writer, format string, report appfootprint.IngestReport, views []domain.View) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(output{Report: report, Views: views})
	case formatTable, "":
		return renderTable(w, report, views)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderTable(w io.Writer, report appfootprint.IngestReport, views []domain.View) error {
	fmt.Fprintf(w, "received=%d accepted=%d duplicates=%d expired=%d rejected=%d\n",
		report.Received, report.Accepted, report.Duplicates, report.Expired, report.Rejected)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, view := range views {
		fmt.Fprintf(tw, "\n%s\ttime bucket %s\tprice bucket %s\t\n", view.Symbol, view.TimeBucketWidth, view.PriceBucketWidth)

		fmt.Fprintln(tw, "time\tprice\tbuy\tsell\tdelta\ttrades\t")
		for _, cell := range view.Cells {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t\n",
				stamp(cell.Time), cell.Price, cell.BuyVolume, cell.SellVolume, cell.Delta(), cell.Trades)
		}

		fmt.Fprintln(tw, "\ntime\topen\thigh\tlow\tclose\ttrades\t")
		for _, bar := range view.Bars {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t\n",
				stamp(bar.Time), bar.Open, bar.High, bar.Low, bar.Close, bar.Trades)
		}

		fmt.Fprintln(tw, "\ntime\tdelta\tcvd\t")
		for _, point := range view.CVD {
			fmt.Fprintf(tw, "%s\t%s\t%s\t\n", stamp(point.Time), point.Delta, point.Cumulative)
		}
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}
