package export

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/expert-tracker/internal/model"
)

// WriteXLSX writes the roster as a single-sheet XLSX workbook with the same
// columns and ordering as the CSV export.
func WriteXLSX(w io.Writer, experts []model.Expert) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Roster")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range rosterColumns {
		header.AddCell().SetString(col)
	}

	for _, e := range sortedNewestFirst(experts) {
		row := sheet.AddRow()
		for _, cell := range buildRow(&e) {
			row.AddCell().SetString(cell)
		}
	}

	return eris.Wrap(f.Write(w), "export: write workbook")
}
