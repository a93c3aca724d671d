package export

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"feeledger/internal/core"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// numericColumns are rendered as numbers; the rest stay text.
var numericColumns = map[int]bool{0: true, 2: true, 3: true, 4: true, 5: true, 6: true}

// WriteXLSX renders sum as a single-sheet workbook.
func WriteXLSX(sum core.ClassSummary, creator string) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := sheetTitle(sum)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	_ = f.SetDocProps(&excelize.DocProperties{
		Creator: creator,
		Title:   fmt.Sprintf("%s dues through %s", sum.Class.Name, sum.Cutoff),
	})

	rows := summaryRows(sum)
	for i, row := range rows {
		cells := make([]any, len(row))
		for c, v := range row {
			cells[c] = v
			// Header row stays text.
			if i > 0 && numericColumns[c] {
				if n, err := strconv.ParseFloat(v, 64); err == nil {
					cells[c] = n
				}
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(summaryHeader), 1)
		_ = f.SetCellStyle(sheet, "A1", last, bold)
		first, _ := excelize.CoordinatesToCellName(1, len(rows))
		last, _ = excelize.CoordinatesToCellName(len(summaryHeader), len(rows))
		_ = f.SetCellStyle(sheet, first, last, bold)
	}
	_ = f.SetColWidth(sheet, "B", "B", 28)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
