package weaver

import (
	"fmt"
	"sync"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"
)

// Outcome is the per-unit result category.
type Outcome int

const (
	OutcomeInstrumented Outcome = iota
	OutcomeSkippedFiltered
	OutcomeSkippedNoAnchor
	OutcomeFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeInstrumented:    "Instrumented",
	OutcomeSkippedFiltered: "SkippedFiltered",
	OutcomeSkippedNoAnchor: "SkippedNoAnchor",
	OutcomeFailed:          "Failed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// WeaveError carries a non-instrumented outcome out of a pipeline stage.
// Unit-level failures surface as diagnostics, never as run failures.
type WeaveError struct {
	Outcome Outcome
	Reason  string
}

func (e *WeaveError) Error() string {
	return e.Outcome.String() + ": " + e.Reason
}

// DiagnosticRecord is one per-unit pipeline result.
type DiagnosticRecord struct {
	Unit     string   `json:"unit" msgpack:"unit"`
	Function string   `json:"function,omitempty" msgpack:"function,omitempty"`
	Kind     string   `json:"kind,omitempty" msgpack:"kind,omitempty"`
	Outcome  Outcome  `json:"outcome" msgpack:"outcome"`
	Reason   string   `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Notes    []string `json:"notes,omitempty" msgpack:"notes,omitempty"`
}

// Diagnostics is the append-only, concurrency-safe sink collecting per-unit
// results across parallel workers.
type Diagnostics struct {
	runID   uuid.UUID
	mu      sync.Mutex
	records []DiagnosticRecord
	scanned int
}

// NewDiagnostics creates a sink with a fresh run identifier.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{runID: uuid.New()}
}

// RunID identifies this engine run in reports and logs.
func (d *Diagnostics) RunID() string {
	return d.runID.String()
}

// Record appends one result. Safe for concurrent use.
func (d *Diagnostics) Record(rec DiagnosticRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, rec)
}

// CountScanned notes a module that passed through without tracking markers.
func (d *Diagnostics) CountScanned(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanned += n
}

// Records returns a snapshot of all recorded results.
func (d *Diagnostics) Records() []DiagnosticRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DiagnosticRecord(nil), d.records...)
}

// Scanned reports how many unmarked modules were examined and passed through.
func (d *Diagnostics) Scanned() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanned
}

// OutcomeCounts tallies records per outcome.
func (d *Diagnostics) OutcomeCounts() map[Outcome]int {
	records := d.Records()
	outcomes := make([]Outcome, len(records))
	for i := range records {
		outcomes[i] = records[i].Outcome
	}
	return bulk.SliceToCounts(outcomes)
}
