package workflow_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	db     *gorm.DB
	engine *workflow.Engine
	entity models.Entity
	assetA models.Asset
	assetB models.Asset
	assetC models.Asset // other currency, same entity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithSettings(t, config.DefaultSettings())
}

func newFixtureWithSettings(t *testing.T, settings config.Settings) *fixture {
	t.Helper()
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := workflow.NewEngine(db, logger, settings)
	clock := func() time.Time { return testNow }
	engine.Ledger.Now = clock
	engine.Reconciler.Now = clock
	engine.Ingestion.Now = clock
	engine.Governance.Now = clock

	f := &fixture{ctx: context.Background(), db: db, engine: engine}
	f.entity = models.Entity{Name: "Hale Family Office", Type: models.EntityTypeFamily}
	if err := db.Create(&f.entity).Error; err != nil {
		t.Fatalf("create entity: %v", err)
	}
	f.assetA = f.createAsset(t, "Operating Account", "USD")
	f.assetB = f.createAsset(t, "Brokerage", "USD")
	f.assetC = f.createAsset(t, "Zurich Account", "CHF")
	return f
}

func (f *fixture) createAsset(t *testing.T, name, currency string) models.Asset {
	t.Helper()
	asset := models.Asset{EntityId: f.entity.ID, Name: name, Type: models.AssetTypeBank, Currency: currency}
	if err := f.db.Create(&asset).Error; err != nil {
		t.Fatalf("create asset %s: %v", name, err)
	}
	return asset
}

func (f *fixture) balance(t *testing.T, assetId int) decimal.Decimal {
	t.Helper()
	bal, err := f.engine.Ledger.GetBalance(f.ctx, assetId, nil)
	if err != nil {
		t.Fatalf("GetBalance(%d): %v", assetId, err)
	}
	return bal.Balance
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

// extracted drives a fresh document to MATCHED and returns the item and its ghost entry.
func (f *fixture) extracted(t *testing.T, lines []models.LineInput, confidence float64) (*models.AirlockItem, *models.GhostEntry) {
	t.Helper()
	item, err := f.engine.Ingestion.Receive(f.ctx, models.NewAirlockItem{FilePath: "uploads/statement.pdf", UploaderId: "user-1"})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := f.engine.Ingestion.MarkProcessing(f.ctx, item.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	ghost, err := f.engine.Ingestion.MarkExtracted(f.ctx, item.ID, lines, confidence)
	if err != nil {
		t.Fatalf("MarkExtracted: %v", err)
	}
	return item, ghost
}

func (f *fixture) item(t *testing.T, id int) *models.AirlockItem {
	t.Helper()
	item, err := f.engine.Ingestion.GetItem(f.ctx, id)
	if err != nil {
		t.Fatalf("GetItem(%d): %v", id, err)
	}
	return item
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func pair(debitAsset, creditAsset int, amount string) []models.LineInput {
	return []models.LineInput{
		{AssetId: debitAsset, Amount: d(amount), Type: models.LineTypeDebit},
		{AssetId: creditAsset, Amount: d(amount).Neg(), Type: models.LineTypeCredit},
	}
}
