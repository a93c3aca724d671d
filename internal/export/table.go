// Package export renders class dues reports and ships them to object storage
// or a Google spreadsheet.
package export

import (
	"strconv"
	"strings"

	"feeledger/internal/core"
)

var summaryHeader = []string{
	"Roll", "Student", "Paid YTD", "Due YTD", "Previous Dues", "Net Due", "Due Months",
}

// summaryRows flattens a class summary into a header row, one row per student
// and a totals row. Amounts keep the ledger's decimal text form.
func summaryRows(sum core.ClassSummary) [][]string {
	rows := make([][]string, 0, len(sum.Rows)+2)
	rows = append(rows, summaryHeader)
	for _, r := range sum.Rows {
		rows = append(rows, []string{
			strconv.Itoa(r.Student.RollNumber),
			r.Student.Name,
			core.FormatAmount(r.Dues.PaidYTD),
			core.FormatAmount(r.Dues.DueYTD),
			core.FormatAmount(r.Dues.PreviousDues),
			core.FormatAmount(r.Dues.NetDue),
			strconv.Itoa(dueMonths(r.Dues)),
		})
	}
	rows = append(rows, []string{
		"",
		"Total",
		core.FormatAmount(sum.PaidYTD),
		core.FormatAmount(sum.DueYTD),
		core.FormatAmount(sum.PreviousDues),
		core.FormatAmount(sum.NetDue),
		strconv.Itoa(sum.StudentsWithDue),
	})
	return rows
}

func dueMonths(d core.Dues) int {
	n := 0
	for m := core.January; m <= d.Cutoff; m++ {
		if s := d.Monthly[m].Status; s == core.Due || s == core.Partial {
			n++
		}
	}
	return n
}

// sheetTitle names the report tab of a class.
func sheetTitle(sum core.ClassSummary) string {
	name := sum.Class.Name
	if name == "" {
		name = sum.Class.ID
	}
	title := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, name+" - "+sum.Cutoff.Short())
	if r := []rune(title); len(r) > maxSheetTitle {
		title = string(r[:maxSheetTitle])
	}
	return title
}

// maxSheetTitle is the longest tab name spreadsheet applications accept.
const maxSheetTitle = 31
