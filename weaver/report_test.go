package weaver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDiagnostics() *Diagnostics {
	diag := NewDiagnostics()
	diag.CountScanned(5)
	diag.Record(DiagnosticRecord{Unit: "com.app.ZActivity", Kind: "LifecycleScreen",
		Outcome: OutcomeInstrumented})
	diag.Record(DiagnosticRecord{Unit: "com.app.AActivity", Kind: "LifecycleScreen",
		Outcome: OutcomeInstrumented})
	diag.Record(DiagnosticRecord{Unit: "com.app.BrokenActivity", Kind: "LifecycleScreen",
		Outcome: OutcomeFailed, Reason: "local variable written before injection point"})
	diag.Record(DiagnosticRecord{Unit: "com.app.VendorActivity", Kind: "LifecycleScreen",
		Outcome: OutcomeSkippedFiltered, Reason: `namespace excluded by pattern "com.app*"`})
	diag.Record(DiagnosticRecord{Unit: "com.app.OddActivity", Kind: "LifecycleScreen",
		Outcome: OutcomeSkippedNoAnchor, Reason: "onCreate(Landroid/os/Bundle;)V never calls through to the superclass"})
	diag.Record(DiagnosticRecord{Unit: "com.app.Cart", Kind: "TrackableContainer",
		Outcome: OutcomeInstrumented})
	return diag
}

func TestBuildReportMetrics(t *testing.T) {
	t.Parallel()

	diag := testDiagnostics()
	metrics := BuildReportMetrics(diag, time.Now().Add(-time.Second))

	assert.Equal(t, diag.RunID(), metrics.RunID)
	assert.GreaterOrEqual(t, metrics.RunDuration, int64(1000))
	assert.Equal(t, 5, metrics.ScannedCount)
	assert.Equal(t, 3, metrics.InstrumentedCount)
	assert.Equal(t, 1, metrics.SkippedFilteredCount)
	assert.Equal(t, 1, metrics.SkippedNoAnchorCount)
	assert.Equal(t, 1, metrics.FailedCount)
	assert.Equal(t, map[string]int{"LifecycleScreen": 5, "TrackableContainer": 1}, metrics.KindCounts)
	require.Len(t, metrics.Units, 6)
	// units sort by name for stable reports
	assert.Equal(t, "com.app.AActivity", metrics.Units[0].Unit)
	assert.Equal(t, "com.app.ZActivity", metrics.Units[5].Unit)
}

func TestWriteReportJSON(t *testing.T) {
	t.Parallel()

	metrics := BuildReportMetrics(testDiagnostics(), time.Now())
	path := filepath.Join(t.TempDir(), "weavereport.json")
	require.NoError(t, WriteReportJSON(path, metrics))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded ReportMetrics
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, metrics.RunID, decoded.RunID)
	assert.Equal(t, metrics.InstrumentedCount, decoded.InstrumentedCount)
	assert.Len(t, decoded.Units, 6)

	// empty path disables the report
	require.NoError(t, WriteReportJSON("", metrics))
}

func TestWriteReportCharts(t *testing.T) {
	t.Parallel()

	metrics := BuildReportMetrics(testDiagnostics(), time.Now())
	path := filepath.Join(t.TempDir(), "weavereport.png")
	require.NoError(t, WriteReportCharts(path, metrics))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(1000))

	require.NoError(t, WriteReportCharts("", metrics))
	assert.Error(t, WriteReportCharts(filepath.Join(t.TempDir(), "report.bmp"), metrics))
}

func TestRenderReportChartsFromJson(t *testing.T) {
	t.Parallel()

	metrics := BuildReportMetrics(testDiagnostics(), time.Now())
	buf, err := RenderReportChartsFromJson(metrics)
	require.NoError(t, err)
	assert.NotEmpty(t, buf)
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Instrumented", OutcomeInstrumented.String())
	assert.Equal(t, "SkippedNoAnchor", OutcomeSkippedNoAnchor.String())
	assert.Equal(t, "Outcome(7)", Outcome(7).String())
	assert.Equal(t, "Failed: boom", (&WeaveError{Outcome: OutcomeFailed, Reason: "boom"}).Error())
}
