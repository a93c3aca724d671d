package core

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// StudentDuesRow pairs a student with their computed dues.
type StudentDuesRow struct {
	Student Student
	Dues    Dues
}

// ClassSummary is a compact dues report for one class up to a cutoff.
type ClassSummary struct {
	Class           Class
	Fee             decimal.Decimal
	Cutoff          Month
	Rows            []StudentDuesRow
	PaidYTD         decimal.Decimal
	DueYTD          decimal.Decimal
	PreviousDues    decimal.Decimal
	NetDue          decimal.Decimal
	StudentsWithDue int
	Skipped         int
}

// SummarizeClass computes dues for every student of class. Rows are ordered
// by roll number, then name, then id.
func SummarizeClass(class Class, students []Student, cutoff Month) (ClassSummary, error) {
	fee, err := class.Fee()
	if err != nil {
		return ClassSummary{}, err
	}
	sum := ClassSummary{
		Class:        class,
		Fee:          fee,
		Cutoff:       cutoff,
		PaidYTD:      decimal.Zero,
		DueYTD:       decimal.Zero,
		PreviousDues: decimal.Zero,
		NetDue:       decimal.Zero,
	}
	ordered := append([]Student(nil), students...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.RollNumber != b.RollNumber {
			return a.RollNumber < b.RollNumber
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	for _, s := range ordered {
		dues, err := StudentDues(s.Ledger, fee, cutoff)
		if err != nil {
			return ClassSummary{}, fmt.Errorf("student %s: %w", s.ID, err)
		}
		sum.Rows = append(sum.Rows, StudentDuesRow{Student: s, Dues: dues})
		sum.PaidYTD = sum.PaidYTD.Add(dues.PaidYTD)
		sum.DueYTD = sum.DueYTD.Add(dues.DueYTD)
		sum.PreviousDues = sum.PreviousDues.Add(dues.PreviousDues)
		sum.NetDue = sum.NetDue.Add(dues.NetDue)
		sum.Skipped += dues.Skipped
		if dues.NetDue.IsPositive() {
			sum.StudentsWithDue++
		}
	}
	return sum, nil
}
