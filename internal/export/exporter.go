package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feeledger/internal/core"
	flog "feeledger/internal/log"
)

type (
	// SummaryLoader computes class summaries.
	SummaryLoader interface {
		ClassSummary(ctx context.Context, classID string, cutoff core.Month) (core.ClassSummary, error)
		Classes(ctx context.Context) ([]core.Class, error)
	}

	// SheetWriter mirrors a summary into a spreadsheet.
	SheetWriter interface {
		PushClassSummary(ctx context.Context, sum core.ClassSummary) (string, error)
	}

	// Report describes one exported class.
	Report struct {
		ClassID    string `json:"class_id"`
		Cutoff     string `json:"cutoff"`
		Key        string `json:"key"`
		SheetRange string `json:"sheet_range,omitempty"`
		Students   int    `json:"students"`
		NetDue     string `json:"net_due"`
	}
)

// Exporter renders class summaries to XLSX, stores them, and optionally
// mirrors them into a spreadsheet.
type Exporter struct {
	ledger  SummaryLoader
	store   ObjectStore
	sheets  SheetWriter
	creator string
	now     func() time.Time
}

// NewExporter wires an exporter. sheets may be nil.
func NewExporter(ledger SummaryLoader, store ObjectStore, sheets SheetWriter) *Exporter {
	return &Exporter{
		ledger:  ledger,
		store:   store,
		sheets:  sheets,
		creator: "feeledger",
		now:     time.Now,
	}
}

// ExportClass writes the report of one class.
func (e *Exporter) ExportClass(ctx context.Context, classID string, cutoff core.Month) (Report, error) {
	sum, err := e.ledger.ClassSummary(ctx, classID, cutoff)
	if err != nil {
		return Report{}, err
	}
	data, err := WriteXLSX(sum, e.creator)
	if err != nil {
		return Report{}, fmt.Errorf("class %s: %w", classID, err)
	}

	now := e.now().UTC()
	name := fmt.Sprintf("dues/%s/%d-%s-%s.xlsx", classID, now.Year(), cutoff.Short(), now.Format("20060102T150405"))
	key, err := e.store.Put(ctx, name, data, xlsxContentType)
	if err != nil {
		return Report{}, fmt.Errorf("store report for %s: %w", classID, err)
	}

	rep := Report{
		ClassID:  classID,
		Cutoff:   cutoff.String(),
		Key:      key,
		Students: len(sum.Rows),
		NetDue:   core.FormatAmount(sum.NetDue),
	}
	if e.sheets != nil {
		rng, err := e.sheets.PushClassSummary(ctx, sum)
		if err != nil {
			return rep, fmt.Errorf("push %s to spreadsheet: %w", classID, err)
		}
		rep.SheetRange = rng
	}

	slog.InfoContext(ctx, "Class report exported",
		flog.FieldComponent, flog.ComponentExport,
		flog.FieldClassID, classID,
		flog.FieldCutoff, cutoff.String(),
		"key", key,
		"students", rep.Students)
	return rep, nil
}

// ExportAll exports every class with a configured fee. Classes without a fee
// are skipped; other failures are joined into the returned error while the
// remaining classes are still exported.
func (e *Exporter) ExportAll(ctx context.Context, cutoff core.Month, concurrency int) ([]Report, error) {
	classes, err := e.ledger.Classes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu      sync.Mutex
		reports []Report
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, c := range classes {
		if !c.FeeAmount.Valid {
			slog.WarnContext(ctx, "Skipping class without fee",
				flog.FieldComponent, flog.ComponentExport,
				flog.FieldClassID, c.ID)
			continue
		}
		g.Go(func() error {
			rep, err := e.ExportClass(ctx, c.ID, cutoff)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			reports = append(reports, rep)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].ClassID < reports[j].ClassID })
	return reports, errors.Join(errs...)
}
