package weaver

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerScanner extracts tracking markers from a parsed class module.
type MarkerScanner interface {
	ScanMarkers(c *ClassFile, cfg *Config) (*MarkerSet, error)
}

// UnitClassifier assigns the tracking kind for a marked class.
type UnitClassifier interface {
	ClassifyUnit(c *ClassFile, markers *MarkerSet, cfg *Config) (ClassifiedUnit, error)
}

// EligibilityFilter decides whether a classified unit proceeds to injection.
type EligibilityFilter interface {
	FilterUnit(unit ClassifiedUnit, cfg *Config) (ClassifiedUnit, bool, string)
}

// AnchorLocator resolves where in each unit the tracking call is spliced.
type AnchorLocator interface {
	LocatePlans(unit ClassifiedUnit, cfg *Config) ([]InjectionPlan, error)
}

// CallSynthesizer builds and applies the guarded tracking call sequences.
type CallSynthesizer interface {
	SynthesizeCalls(unit ClassifiedUnit, plans []InjectionPlan, cfg *Config) ([]string, error)
}

// Engine runs the per-unit rewrite pipeline. Provider fields may be replaced
// before first use to customize behavior.
type Engine struct {
	Scanner     MarkerScanner
	Classifier  UnitClassifier
	Filter      EligibilityFilter
	Locator     AnchorLocator
	Synthesizer CallSynthesizer
	Diag        *Diagnostics

	config      *Config
	cache       Storage
	fingerprint []byte
}

// NewEngine prepares the config and assembles the default pipeline. Close
// must be called when the engine is done if a cache directory is configured.
func NewEngine(config *Config) (*Engine, error) {
	if err := config.Prepare(); err != nil {
		return nil, err
	}
	e := &Engine{
		Scanner:     DefaultMarkerScanner{},
		Classifier:  DefaultUnitClassifier{},
		Filter:      DefaultEligibilityFilter{},
		Locator:     DefaultAnchorLocator{},
		Synthesizer: DefaultCallSynthesizer{},
		Diag:        NewDiagnostics(),
		config:      config,
		fingerprint: config.Fingerprint(),
	}
	if config.CacheDir != "" {
		store, err := NewBadgerStorage(config.CacheDir, config.CacheSizeMB)
		if err != nil {
			return nil, err
		}
		if e.cache, err = NewCachedStorage(store, config.CacheSizeMB); err != nil {
			store.Close()
			return nil, err
		}
	}
	return e, nil
}

// Close releases the result cache, if any.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
		e.cache = nil
	}
}

// TransformClass rewrites one class module, recording the outcome in the
// diagnostics sink. It always returns usable output: any per-unit problem
// yields the original bytes unchanged, and modules without tracking markers
// pass through byte-identical.
func (e *Engine) TransformClass(data []byte) []byte {
	var key string
	if e.cache != nil {
		key = cacheKey(e.fingerprint, data)
		if blob, ok, err := e.cache.LoadState(key); err != nil {
			log.Printf("%sResult cache load failed: %v", ErrorLogPrefix, err)
		} else if ok {
			if rec, output, err := decodeCacheRecord(blob); err == nil {
				if rec.Marked {
					e.Diag.Record(rec.Record)
				} else {
					e.Diag.CountScanned(1)
				}
				if len(output) > 0 {
					return output
				}
				return data
			}
		}
	}

	output, rec := e.transform(data)
	if rec != nil {
		e.Diag.Record(*rec)
	} else {
		e.Diag.CountScanned(1)
	}
	if e.cache != nil {
		cr := cacheRecord{Marked: rec != nil}
		var rewritten []byte
		if rec != nil {
			cr.Record = *rec
			if rec.Outcome == OutcomeInstrumented {
				rewritten = output
			}
		}
		if blob, err := encodeCacheRecord(cr, rewritten); err != nil {
			log.Printf("%sResult cache encode failed: %v", ErrorLogPrefix, err)
		} else if err := e.cache.SaveState(key, blob); err != nil {
			log.Printf("%sResult cache save failed: %v", ErrorLogPrefix, err)
		}
	}
	return output
}

// transform runs the pipeline over one module. A nil record means the module
// carried no markers and passed through untouched.
func (e *Engine) transform(data []byte) ([]byte, *DiagnosticRecord) {
	c, err := ParseClass(data)
	if err != nil {
		return data, &DiagnosticRecord{
			Unit:    "<unparsed>",
			Outcome: OutcomeFailed,
			Reason:  err.Error(),
		}
	}
	unitName := strings.ReplaceAll(c.ClassName(), "/", ".")
	markers, err := e.Scanner.ScanMarkers(c, e.config)
	if err != nil {
		return data, &DiagnosticRecord{
			Unit:    unitName,
			Outcome: OutcomeFailed,
			Reason:  "marker scan: " + err.Error(),
		}
	}
	if markers.AlreadyInstrumented || markers.Empty() {
		return data, nil
	}

	unit, err := e.Classifier.ClassifyUnit(c, markers, e.config)
	if err != nil {
		return data, &DiagnosticRecord{
			Unit:    unitName,
			Kind:    unit.Kind.String(),
			Outcome: OutcomeFailed,
			Reason:  err.Error(),
		}
	}
	rec := &DiagnosticRecord{Unit: unitName, Kind: unit.Kind.String()}
	if unit.Note != "" {
		rec.Notes = append(rec.Notes, unit.Note)
	}
	if unit.Kind == KindIneligible {
		rec.Outcome = OutcomeSkippedFiltered
		rec.Reason = "not eligible for tracking"
		return data, rec
	}

	unit, eligible, reason := e.Filter.FilterUnit(unit, e.config)
	if !eligible {
		rec.Outcome = OutcomeSkippedFiltered
		rec.Reason = reason
		return data, rec
	}

	plans, err := e.Locator.LocatePlans(unit, e.config)
	if err != nil {
		applyWeaveError(rec, err)
		return data, rec
	} else if len(plans) == 0 {
		rec.Outcome = OutcomeSkippedNoAnchor
		rec.Reason = "no injection points located"
		return data, rec
	}
	for i := range plans {
		if plans[i].Note != "" {
			rec.Notes = append(rec.Notes, plans[i].Note)
		}
		if plans[i].Synthesized {
			method := unit.Class.Methods[plans[i].MethodIndex]
			rec.Notes = append(rec.Notes,
				fmt.Sprintf("synthesized lifecycle override %s%s", method.Name, method.Descriptor))
		}
	}

	var before map[int][]string
	if e.config.Verbose {
		before = disassemblePlans(unit.Class, plans)
	}
	notes, err := e.Synthesizer.SynthesizeCalls(unit, plans, e.config)
	rec.Notes = append(rec.Notes, notes...)
	if err != nil {
		applyWeaveError(rec, err)
		return data, rec
	}
	if e.config.Verbose {
		rec.Notes = append(rec.Notes, diffPlans(unit.Class, plans, before)...)
	}

	if err := markInstrumented(unit.Class); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		return data, rec
	}
	rec.Function = unit.Class.Methods[plans[0].MethodIndex].Name
	rec.Outcome = OutcomeInstrumented
	return unit.Class.Bytes(), rec
}

func applyWeaveError(rec *DiagnosticRecord, err error) {
	var we *WeaveError
	if errors.As(err, &we) {
		rec.Outcome = we.Outcome
		rec.Reason = we.Reason
	} else {
		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
	}
}

// markInstrumented adds the synthetic class attribute that makes re-runs
// over produced output no-ops.
func markInstrumented(c *ClassFile) error {
	nameIdx, err := c.Pool.AddUtf8(attrInstrumented)
	if err != nil {
		return err
	}
	c.Attributes = append(c.Attributes, Attribute{
		NameIndex: nameIdx,
		Name:      attrInstrumented,
	})
	return nil
}

func disassemblePlans(c *ClassFile, plans []InjectionPlan) map[int][]string {
	out := make(map[int][]string, len(plans))
	for _, plan := range plans {
		if plan.Synthesized {
			continue // no original body to compare against
		}
		attr := c.Methods[plan.MethodIndex].Attr(attrCode)
		code, err := parseCode(attr, c.Pool)
		if err != nil {
			continue
		}
		if lines, err := Disassemble(code.Code, c.Pool); err == nil {
			out[plan.MethodIndex] = lines
		}
	}
	return out
}

func diffPlans(c *ClassFile, plans []InjectionPlan, before map[int][]string) []string {
	var notes []string
	for _, plan := range plans {
		method := &c.Methods[plan.MethodIndex]
		code, err := parseCode(method.Attr(attrCode), c.Pool)
		if err != nil {
			continue
		}
		after, err := Disassemble(code.Code, c.Pool)
		if err != nil {
			continue
		}
		diff, err := DiffDisassembly(method.Name+method.Descriptor, before[plan.MethodIndex], after)
		if err == nil && diff != "" {
			notes = append(notes, diff)
		}
	}
	return notes
}

// Run walks the configured input tree, rewriting every class module with a
// bounded worker pool, then writes the configured reports and logs a
// summary. Infrastructure problems (unreadable files, unwritable output)
// fail the run; unit-level problems only surface as diagnostics.
func (e *Engine) Run() (ReportMetrics, error) {
	start := time.Now()
	if e.config.InputDir == "" {
		return ReportMetrics{}, errors.New("input directory required")
	}

	var files []string
	err := filepath.WalkDir(e.config.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".class") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return ReportMetrics{}, fmt.Errorf("scan input dir failed: %w", err)
	}

	group := ErrGroupLimitCPU()
	for _, file := range files {
		group.Go(func() error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s failed: %w", file, err)
			}
			output := e.TransformClass(data)
			dest := file
			if e.config.OutputDir != "" {
				rel, err := filepath.Rel(e.config.InputDir, file)
				if err != nil {
					return err
				}
				dest = filepath.Join(e.config.OutputDir, rel)
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return fmt.Errorf("create output dir failed: %w", err)
				}
			} else if bytes.Equal(output, data) {
				return nil // in-place and unchanged
			}
			if err := os.WriteFile(dest, output, 0644); err != nil {
				return fmt.Errorf("write %s failed: %w", dest, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return ReportMetrics{}, err
	}

	metrics := BuildReportMetrics(e.Diag, start)
	if err := WriteReportJSON(e.config.ReportJsonFile, metrics); err != nil {
		return metrics, err
	}
	if err := WriteReportCharts(e.config.ReportChartsFile, metrics); err != nil {
		return metrics, err
	}
	log.Printf("Processed %d modules: %d instrumented, %d filtered, %d without anchor, %d failed (%s)",
		len(files), metrics.InstrumentedCount, metrics.SkippedFilteredCount,
		metrics.SkippedNoAnchorCount, metrics.FailedCount, time.Since(start).Round(time.Millisecond))
	return metrics, nil
}
