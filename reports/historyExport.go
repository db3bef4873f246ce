package reports

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/vault_backend/models"
	"github.com/xuri/excelize/v2"
)

const historySheet = "History"

var historyHeadings = []string{"Date", "Transaction", "Description", "Source", "Asset", "Currency", "Type", "Amount"}

// WriteHistoryXLSX writes one row per transaction line in the order given.
// Amounts are written as text so no precision is lost.
func WriteHistoryXLSX(w io.Writer, txns []*models.Transaction, assets map[int]models.Asset) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return err
	}
	for i, h := range historyHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(historySheet, cell, h); err != nil {
			return err
		}
	}

	row := 2
	for _, txn := range txns {
		for _, ln := range txn.Lines {
			asset := assets[ln.AssetId]
			name := asset.Name
			if name == "" {
				name = fmt.Sprintf("#%d", ln.AssetId)
			}
			values := []interface{}{
				txn.Date.Format("2006-01-02"),
				txn.ID,
				txn.Description,
				string(txn.Source),
				name,
				asset.Currency,
				string(ln.Type),
				ln.Amount.String(),
			}
			if err := f.SetSheetRow(historySheet, fmt.Sprintf("A%d", row), &values); err != nil {
				return err
			}
			row++
		}
	}
	return f.Write(w)
}
