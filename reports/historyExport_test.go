package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/vault_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestWriteHistoryXLSX(t *testing.T) {
	txns := []*models.Transaction{
		{
			ID:          7,
			Description: "Rent",
			Date:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			Source:      models.TransactionSourceManual,
			Lines: []models.TransactionLine{
				{AssetId: 1, Amount: models.NewAmount(decimal.RequireFromString("-500.1234")), Type: models.LineTypeCredit},
				{AssetId: 2, Amount: models.NewAmount(decimal.RequireFromString("500.1234")), Type: models.LineTypeDebit},
			},
		},
	}
	assets := map[int]models.Asset{1: {ID: 1, Name: "Checking", Currency: "USD"}}

	var buf bytes.Buffer
	if err := WriteHistoryXLSX(&buf, txns, assets); err != nil {
		t.Fatalf("WriteHistoryXLSX: %v", err)
	}
	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(historySheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][7] != "Amount" {
		t.Fatalf("header = %v", rows[0])
	}
	first := rows[1]
	if first[0] != "2026-03-01" || first[1] != "7" || first[4] != "Checking" || first[5] != "USD" || first[7] != "-500.1234" {
		t.Fatalf("first line = %v", first)
	}
	if rows[2][4] != "#2" || rows[2][6] != "DEBIT" {
		t.Fatalf("second line = %v", rows[2])
	}
}
