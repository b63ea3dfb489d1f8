package weaver

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-analyze/charts"
)

const bottomTableMaxRecords = 10

// chart color constants
var redTextColor = charts.ColorRed.WithAdjustHSL(0, .1, -.1)
var orangeTextColor = charts.ColorOrangeAlt1.WithAdjustHSL(0, .2, 0)

// ReportMetrics contains run and per-unit rewrite metrics.
type ReportMetrics struct {
	GeneratedAt          time.Time          `json:"generated_at"`
	RunID                string             `json:"run_id"`
	RunDuration          int64              `json:"run_ms"`
	ScannedCount         int                `json:"scanned_count"`
	InstrumentedCount    int                `json:"instrumented_count"`
	SkippedFilteredCount int                `json:"skipped_filtered_count"`
	SkippedNoAnchorCount int                `json:"skipped_no_anchor_count"`
	FailedCount          int                `json:"failed_count"`
	KindCounts           map[string]int     `json:"kind_counts"`
	Units                []DiagnosticRecord `json:"units"`
}

// BuildReportMetrics summarizes a diagnostics sink into report form.
func BuildReportMetrics(diag *Diagnostics, startTime time.Time) ReportMetrics {
	records := diag.Records()
	slices.SortFunc(records, func(a, b DiagnosticRecord) int {
		return strings.Compare(a.Unit, b.Unit)
	})
	counts := diag.OutcomeCounts()
	kindCounts := make(map[string]int)
	for _, rec := range records {
		if rec.Kind != "" {
			kindCounts[rec.Kind]++
		}
	}
	return ReportMetrics{
		GeneratedAt:          startTime,
		RunID:                diag.RunID(),
		RunDuration:          time.Since(startTime).Milliseconds(),
		ScannedCount:         diag.Scanned(),
		InstrumentedCount:    counts[OutcomeInstrumented],
		SkippedFilteredCount: counts[OutcomeSkippedFiltered],
		SkippedNoAnchorCount: counts[OutcomeSkippedNoAnchor],
		FailedCount:          counts[OutcomeFailed],
		KindCounts:           kindCounts,
		Units:                records,
	}
}

// WriteReportJSON writes the metrics to a JSON file, no-op on an empty path.
func WriteReportJSON(path string, metrics ReportMetrics) error {
	if path == "" {
		return nil
	}
	encoded, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("write report file failed: %w", err)
	}
	return nil
}

// WriteReportCharts renders the overview chart image, picking the output
// format from the file extension.
func WriteReportCharts(path string, metrics ReportMetrics) error {
	if path == "" {
		return nil
	}
	var outputType string
	if strings.HasSuffix(path, ".png") {
		outputType = charts.ChartOutputPNG
	} else if strings.HasSuffix(path, ".jpg") || strings.HasSuffix(path, ".jpeg") {
		outputType = charts.ChartOutputJPG
	} else if strings.HasSuffix(path, ".svg") {
		outputType = charts.ChartOutputSVG
	} else {
		return fmt.Errorf("unhandled chart file type: %s", path)
	}

	painterOpt := charts.PainterOptions{
		OutputFormat: outputType,
		Width:        1024,
		Height:       640,
	}
	if buf, err := renderReportCharts(painterOpt, metrics); err != nil {
		return fmt.Errorf("render charts failed: %w", err)
	} else if err = os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write chart file failed: %w", err)
	}
	return nil
}

// RenderReportChartsFromJson takes a ReportMetrics and renders the overview
// to a png.
func RenderReportChartsFromJson(metrics ReportMetrics) ([]byte, error) {
	painterOpt := charts.PainterOptions{
		OutputFormat: charts.ChartOutputPNG,
		Width:        1024,
		Height:       640,
	}
	return renderReportCharts(painterOpt, metrics)
}

func renderReportCharts(painterOpt charts.PainterOptions, metrics ReportMetrics) ([]byte, error) {
	p := charts.NewPainter(painterOpt)
	if err := renderChartsToPainter(p, metrics); err != nil {
		return nil, err
	}
	return p.Bytes()
}

func renderChartsToPainter(p *charts.Painter, metrics ReportMetrics) error {
	const chartPadding = 10
	p.FilledRect(0, 0, p.Width(), p.Height(), charts.ColorWhite, charts.ColorWhite, 0)
	p = p.Child(charts.PainterPaddingOption(charts.NewBox(0, chartPadding, chartPadding, chartPadding)))

	painters, err := p.LayoutByRows().
		Row().Height("128").Columns("outcomes", "kinds").
		Row().Columns("bottom"). // remaining space lists problem units
		Build()
	if err != nil {
		return fmt.Errorf("error building chart layout: %w", err)
	}

	barGaugeTheme := charts.GetTheme(charts.ThemeLight).
		WithBackgroundColor(charts.ColorTransparent).
		WithSeriesColors([]charts.Color{
			charts.ColorGreenAlt1,
			{R: 220, G: 210, B: 100, A: 255}, // golden yellow
			charts.ColorRed,
		})

	totalUnits := metrics.InstrumentedCount + metrics.SkippedFilteredCount +
		metrics.SkippedNoAnchorCount + metrics.FailedCount
	outcomesOpt := charts.NewHorizontalBarChartOptionWithData([][]float64{
		{float64(metrics.InstrumentedCount)},
		{float64(metrics.SkippedFilteredCount + metrics.SkippedNoAnchorCount)},
		{float64(metrics.FailedCount)},
	})
	outcomesOpt.StackSeries = charts.Ptr(true)
	outcomesOpt.Theme = barGaugeTheme
	outcomesOpt.Title.Text = "Tracking Outcomes"
	outcomesOpt.YAxis.Show = charts.Ptr(false)
	outcomesOpt.SeriesList[0].Label.Show = charts.Ptr(true)
	outcomesOpt.SeriesList[0].Label.ValueFormatter = func(f float64) string {
		if totalUnits == 0 {
			return "no marked units"
		}
		return charts.FormatValueHumanize(100.0*f/float64(totalUnits), 1, false) + "% instrumented"
	}
	if err := painters["outcomes"].HorizontalBarChart(outcomesOpt); err != nil {
		return fmt.Errorf("error rendering chart: %w", err)
	}

	kindNames := slices.Sorted(maps.Keys(metrics.KindCounts))
	kindData := make([][]float64, 0, len(kindNames))
	for _, name := range kindNames {
		kindData = append(kindData, []float64{float64(metrics.KindCounts[name])})
	}
	if len(kindData) > 0 {
		kindsOpt := charts.NewHorizontalBarChartOptionWithData(kindData)
		kindsOpt.Theme = charts.GetTheme(charts.ThemeLight).
			WithBackgroundColor(charts.ColorTransparent)
		kindsOpt.Title.Text = "Unit Kinds"
		kindsOpt.YAxis.Labels = kindNames
		if err := painters["kinds"].HorizontalBarChart(kindsOpt); err != nil {
			return fmt.Errorf("error rendering chart: %w", err)
		}
	}

	return renderProblemTable(painters["bottom"], metrics)
}

// renderProblemTable lists the most noteworthy skipped and failed units.
func renderProblemTable(bottom *charts.Painter, metrics ReportMetrics) error {
	var problems [][]string
	for _, rec := range metrics.Units {
		if rec.Outcome == OutcomeInstrumented {
			continue
		}
		reason := rec.Reason
		if len(reason) > 80 {
			reason = reason[:78] + ".."
		}
		problems = append(problems, []string{rec.Unit, rec.Outcome.String(), reason})
	}

	titleFont := charts.FontStyle{
		FontSize:  16,
		FontColor: charts.ColorBlack,
		Font:      charts.GetDefaultFont(),
	}
	if len(problems) == 0 {
		text := "All Marked Units Instrumented"
		textBox := bottom.MeasureText(text, 0, titleFont)
		bottom.Text(text, (bottom.Width()-textBox.Width())/2, bottom.Height()/2, 0, titleFont)
		return nil
	}

	slices.SortFunc(problems, func(a, b []string) int {
		if a[1] != b[1] { // failures before skips
			return strings.Compare(b[1], a[1])
		}
		return strings.Compare(a[0], b[0])
	})
	if len(problems) > bottomTableMaxRecords {
		problems = problems[:bottomTableMaxRecords]
	}
	tableTitle := "Units Not Instrumented"
	tableTitleFont := charts.FontStyle{
		FontSize:  12,
		FontColor: charts.GetTheme(charts.ThemeLight).GetTitleTextColor(),
		Font:      charts.GetDefaultFont(),
	}
	tableTitleBox := bottom.MeasureText(tableTitle, 0, tableTitleFont)
	bottom.Text(tableTitle, 10, tableTitleBox.Height(), 0, tableTitleFont)
	rowColors := []charts.Color{
		{R: 240, G: 240, B: 240, A: 255},
		charts.ColorTransparent,
	}
	if len(problems)%2 == 0 {
		// reverse row colors so table end is opposite of transparent
		rowColors[0], rowColors[1] = rowColors[1], rowColors[0]
	}
	defaultCellFontStyle := charts.FontStyle{
		FontSize:  12,
		FontColor: charts.Color{R: 50, G: 50, B: 50, A: 255},
		Font:      charts.GetDefaultFont(),
	}
	tableOpt := charts.TableChartOption{
		Header:                []string{"Unit", "Outcome", "Reason"},
		Data:                  problems,
		HeaderBackgroundColor: charts.Color{R: 210, G: 210, B: 210, A: 255},
		RowBackgroundColors:   rowColors,
		Padding:               charts.NewBoxEqual(10),
		Spans:                 []int{24, 10, 34},
		TextAligns:            []string{charts.AlignLeft, charts.AlignLeft, charts.AlignLeft},
		CellModifier: func(cell charts.TableCell) charts.TableCell {
			if cell.Row == 0 {
				return cell
			}
			cell.FontStyle = defaultCellFontStyle // reset on each call to prevent prior changes persisting
			if cell.Column == 1 {
				if cell.Text == OutcomeFailed.String() {
					cell.FontStyle.FontColor = redTextColor
				} else {
					cell.FontStyle.FontColor = orangeTextColor
				}
			}
			return cell
		},
	}
	return bottom.TableChart(tableOpt)
}
