// This file implements the strategies that turn a point in time into the
// cutoff month used for dues computation. Each strategy encapsulates one
// billing policy and is looked up by name from configuration.

package services

import (
	"fmt"
	"sort"
	"time"

	"feeledger/internal/core"
)

// CutoffResolver is the strategy interface for choosing the last month that
// counts towards dues at a given time.
type CutoffResolver interface {
	// Cutoff returns the cutoff month for now. ok is false when no month of
	// the academic year is billable yet.
	Cutoff(now time.Time) (cutoff core.Month, ok bool)
}

// CurrentMonthResolver bills every month up to and including the current one.
type CurrentMonthResolver struct{}

func (CurrentMonthResolver) Cutoff(now time.Time) (core.Month, bool) {
	return core.Month(now.Month() - 1), true
}

// PreviousMonthResolver bills only completed months. In January nothing is
// billable yet.
type PreviousMonthResolver struct{}

func (PreviousMonthResolver) Cutoff(now time.Time) (core.Month, bool) {
	if now.Month() == time.January {
		return 0, false
	}
	return core.Month(now.Month() - 2), true
}

// FullYearResolver bills the whole year regardless of the date.
type FullYearResolver struct{}

func (FullYearResolver) Cutoff(time.Time) (core.Month, bool) {
	return core.December, true
}

const (
	CutoffCurrentMonth  = "current_month"
	CutoffPreviousMonth = "previous_month"
	CutoffFullYear      = "full_year"
)

// cutoffStrategies maps configuration names to resolvers.
var cutoffStrategies = map[string]CutoffResolver{
	CutoffCurrentMonth:  CurrentMonthResolver{},
	CutoffPreviousMonth: PreviousMonthResolver{},
	CutoffFullYear:      FullYearResolver{},
}

// GetCutoffResolver returns the resolver registered under name.
func GetCutoffResolver(name string) (CutoffResolver, error) {
	r, ok := cutoffStrategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown cutoff strategy: %s", name)
	}
	return r, nil
}

// RegisterCutoffResolver adds or replaces a named resolver.
func RegisterCutoffResolver(name string, r CutoffResolver) {
	cutoffStrategies[name] = r
}

// CutoffStrategies lists the registered strategy names.
func CutoffStrategies() []string {
	names := make([]string, 0, len(cutoffStrategies))
	for n := range cutoffStrategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MonthsThrough returns January..cutoff.
func MonthsThrough(cutoff core.Month) []core.Month {
	out := make([]core.Month, 0, int(cutoff)+1)
	for m := core.January; m <= cutoff; m++ {
		out = append(out, m)
	}
	return out
}
