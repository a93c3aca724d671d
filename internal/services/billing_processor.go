package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feeledger/internal/auth"
	"feeledger/internal/core"
	flog "feeledger/internal/log"
	"feeledger/internal/records"
)

// BillingProcessorConfig holds configuration for the billing processor
type BillingProcessorConfig struct {
	// Interval is how often months up to the cutoff are billed (default: 1h)
	Interval time.Duration
}

// DefaultBillingProcessorConfig returns sensible defaults
func DefaultBillingProcessorConfig() BillingProcessorConfig {
	return BillingProcessorConfig{Interval: time.Hour}
}

// BillingRun summarizes one pass over every class.
type BillingRun struct {
	Cutoff       core.Month
	Classes      int
	CountUpdated int
	Changed      int
	Failed       int
	Skipped      bool
}

type billingStore interface {
	records.ClassReader
	records.StudentReader
}

// BillingProcessor marks every unbilled month up to the cutoff as due for
// every class. It is the scheduled counterpart of a clerk running
// MarkUnpaidAsDue by hand.
type BillingProcessor struct {
	store   billingStore
	mutator *DuesMutator
	cutoff  CutoffResolver
	config  BillingProcessorConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewBillingProcessor(store billingStore, mutator *DuesMutator, cutoff CutoffResolver, config BillingProcessorConfig) *BillingProcessor {
	if config.Interval <= 0 {
		config.Interval = DefaultBillingProcessorConfig().Interval
	}
	return &BillingProcessor{
		store:   store,
		mutator: mutator,
		cutoff:  cutoff,
		config:  config,
	}
}

// RunOnce bills every class for the cutoff resolved from now.
func (p *BillingProcessor) RunOnce(ctx context.Context, now time.Time) (BillingRun, error) {
	if p.store == nil || p.mutator == nil || p.cutoff == nil {
		return BillingRun{}, fmt.Errorf("billing processor not properly initialized")
	}
	cutoff, ok := p.cutoff.Cutoff(now)
	if !ok {
		slog.InfoContext(ctx, "No billable month yet",
			flog.FieldComponent, flog.ComponentBilling,
			"date", now.Format("2006-01-02"))
		return BillingRun{Skipped: true}, nil
	}

	classes, err := p.store.ListClasses(ctx)
	if err != nil {
		return BillingRun{}, fmt.Errorf("list classes: %w", err)
	}
	run := BillingRun{Cutoff: cutoff}
	months := MonthsThrough(cutoff)
	sess := auth.System

	for _, class := range classes {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if _, err := class.Fee(); err != nil {
			slog.WarnContext(ctx, "Skipping class without a valid fee",
				flog.FieldComponent, flog.ComponentBilling,
				flog.FieldClassID, class.ID,
				flog.FieldError, err)
			continue
		}
		students, err := p.store.ListStudentsByClass(ctx, class.ID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to list students",
				flog.FieldComponent, flog.ComponentBilling,
				flog.FieldClassID, class.ID,
				flog.FieldError, err)
			continue
		}
		if len(students) == 0 {
			continue
		}
		res, err := p.mutator.MarkUnpaidAsDue(ctx, &sess, students, months)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to bill class",
				flog.FieldComponent, flog.ComponentBilling,
				flog.FieldClassID, class.ID,
				flog.FieldError, err)
			continue
		}
		run.Classes++
		run.CountUpdated += res.CountUpdated
		run.Changed += res.Changed
		run.Failed += len(res.Failures)
	}

	slog.InfoContext(ctx, "Billing run complete",
		flog.FieldComponent, flog.ComponentBilling,
		flog.FieldCutoff, cutoff.String(),
		"classes", run.Classes,
		"changed", run.Changed,
		"failed", run.Failed)
	return run, nil
}

// Start begins the periodic loop. Returns an error if already running.
func (p *BillingProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("billing processor is already running")
	}
	p.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	p.stopCh, p.doneCh = stopCh, doneCh
	p.mu.Unlock()

	go p.runLoop(ctx, stopCh, doneCh)

	slog.InfoContext(ctx, "Billing processor started",
		flog.FieldComponent, flog.ComponentBilling,
		"interval", p.config.Interval)
	return nil
}

// Stop signals the loop and waits for the current run to finish. When ctx
// expires first the loop still exits after that run; the processor is
// marked stopped either way and may be started again.
func (p *BillingProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.stopCh = nil
	p.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		slog.WarnContext(ctx, "Billing processor stop timed out",
			flog.FieldComponent, flog.ComponentBilling)
		return ctx.Err()
	}
}

func (p *BillingProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *BillingProcessor) runLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *BillingProcessor) tick(ctx context.Context) {
	if _, err := p.RunOnce(ctx, time.Now()); err != nil {
		slog.ErrorContext(ctx, "Billing run failed",
			flog.FieldComponent, flog.ComponentBilling,
			flog.FieldError, err)
	}
}
