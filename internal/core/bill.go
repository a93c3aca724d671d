package core

import "github.com/shopspring/decimal"

// ArrearsLabel labels the trailing previous-dues line of a bill.
const ArrearsLabel = "Previous Dues"

const (
	LineMonth   LineKind = "month"
	LineArrears LineKind = "arrears"
)

type (
	LineKind string

	// BillLine is one billable item. Month is nil for the arrears line.
	BillLine struct {
		Kind   LineKind
		Label  string
		Month  *Month
		Amount decimal.Decimal
	}

	Bill struct {
		Cutoff Month
		Lines  []BillLine
		Total  decimal.Decimal
	}
)

// BillLines lists every Due or Partial month from January to cutoff with a
// positive amount, in calendar order, followed by an arrears line when previous dues are
// positive. Total always equals the NetDue of StudentDues.
func BillLines(ledger StudentFeeLedger, classFee decimal.Decimal, cutoff Month) (Bill, error) {
	dues, err := StudentDues(ledger, classFee, cutoff)
	if err != nil {
		return Bill{}, err
	}
	return BillFromDues(dues), nil
}

// BillFromDues builds the bill of an already computed Dues.
func BillFromDues(dues Dues) Bill {
	bill := Bill{Cutoff: dues.Cutoff, Total: decimal.Zero}
	for m := January; m <= dues.Cutoff; m++ {
		snap := dues.Monthly[m]
		if snap.Status != Due && snap.Status != Partial {
			continue
		}
		// a zero fee makes Due months free
		if !snap.DueAmount.IsPositive() {
			continue
		}
		month := m
		bill.Lines = append(bill.Lines, BillLine{
			Kind:   LineMonth,
			Label:  m.String(),
			Month:  &month,
			Amount: snap.DueAmount,
		})
		bill.Total = bill.Total.Add(snap.DueAmount)
	}
	if dues.PreviousDues.IsPositive() {
		bill.Lines = append(bill.Lines, BillLine{
			Kind:   LineArrears,
			Label:  ArrearsLabel,
			Amount: dues.PreviousDues,
		})
		bill.Total = bill.Total.Add(dues.PreviousDues)
	}
	return bill
}
