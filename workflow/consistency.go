package workflow

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConsistencyChecker detects state the workflows should never produce and writes one
// reconciliation_reports row per violation. It is run on a schedule or by an operator.
type ConsistencyChecker struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewConsistencyChecker(db *gorm.DB, logger *logrus.Logger) *ConsistencyChecker {
	return &ConsistencyChecker{DB: db, Logger: logger}
}

func (c *ConsistencyChecker) CheckConsistency(ctx context.Context) (reports []models.ReconciliationReport, err error) {
	ctx, span := startSpan(ctx, "ConsistencyChecker.CheckConsistency")
	defer func() { endSpan(span, err) }()

	db := c.DB.WithContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	add := func(check, entityType string, entityId int, format string, args ...any) {
		reports = append(reports, models.ReconciliationReport{
			CheckType:     check,
			EntityType:    entityType,
			EntityId:      entityId,
			Details:       fmt.Sprintf(format, args...),
			CorrelationId: correlationId,
		})
	}

	// Item status must agree with the linked ghost entry status.
	var items []models.AirlockItem
	if err := db.Where("ghost_entry_id IS NOT NULL").Order("id ASC").Find(&items).Error; err != nil {
		return nil, models.WrapStorageError("load airlock items", err)
	}
	ghostIds := make([]int, 0, len(items))
	for _, it := range items {
		ghostIds = append(ghostIds, *it.GhostEntryId)
	}
	ghosts := map[int]models.GhostEntry{}
	if len(ghostIds) > 0 {
		var rows []models.GhostEntry
		if err := db.Where("id IN ?", ghostIds).Find(&rows).Error; err != nil {
			return nil, models.WrapStorageError("load ghost entries", err)
		}
		for _, g := range rows {
			ghosts[g.ID] = g
		}
	}
	for _, it := range items {
		g, ok := ghosts[*it.GhostEntryId]
		if !ok {
			add(models.CheckAirlockGhostAgreement, "AirlockItem", it.ID, "linked ghost entry %d does not exist", *it.GhostEntryId)
			continue
		}
		if it.Status == models.AirlockStatusFailed {
			if g.Status == models.GhostStatusConfirmed {
				add(models.CheckAirlockGhostAgreement, "AirlockItem", it.ID, "item FAILED but ghost entry %d is CONFIRMED", g.ID)
			}
			continue
		}
		want, ok := it.Status.GhostStatusFor()
		if !ok {
			add(models.CheckAirlockGhostAgreement, "AirlockItem", it.ID, "item %s has ghost entry %d linked too early", it.Status, g.ID)
			continue
		}
		if g.Status != want {
			add(models.CheckAirlockGhostAgreement, "AirlockItem", it.ID, "item %s expects ghost entry %d to be %s, found %s", it.Status, g.ID, want, g.Status)
		}
	}

	// Every ghost entry is the one its source document links to.
	var allGhosts []models.GhostEntry
	if err := db.Select("id, source_document_id").Order("id ASC").Find(&allGhosts).Error; err != nil {
		return nil, models.WrapStorageError("load ghost entries", err)
	}
	docIds := make([]int, 0, len(allGhosts))
	perDocument := map[int]int{}
	for _, g := range allGhosts {
		if perDocument[g.SourceDocumentId] == 0 {
			docIds = append(docIds, g.SourceDocumentId)
		}
		perDocument[g.SourceDocumentId]++
	}
	documents := map[int]models.AirlockItem{}
	if len(docIds) > 0 {
		var rows []models.AirlockItem
		if err := db.Where("id IN ?", docIds).Find(&rows).Error; err != nil {
			return nil, models.WrapStorageError("load source documents", err)
		}
		for _, it := range rows {
			documents[it.ID] = it
		}
	}
	for _, g := range allGhosts {
		if n := perDocument[g.SourceDocumentId]; n > 1 {
			add(models.CheckGhostDocumentLink, "GhostEntry", g.ID, "document %d has %d ghost entries", g.SourceDocumentId, n)
		}
		doc, ok := documents[g.SourceDocumentId]
		switch {
		case !ok:
			add(models.CheckGhostDocumentLink, "GhostEntry", g.ID, "source document %d does not exist", g.SourceDocumentId)
		case doc.GhostEntryId == nil:
			add(models.CheckGhostDocumentLink, "GhostEntry", g.ID, "document %d (%s) is not linked to any ghost entry", doc.ID, doc.Status)
		case *doc.GhostEntryId != g.ID:
			add(models.CheckGhostDocumentLink, "GhostEntry", g.ID, "document %d is linked to ghost entry %d instead", doc.ID, *doc.GhostEntryId)
		}
	}

	// Confirmed ghost entries must point at the transaction they produced.
	var confirmed []models.GhostEntry
	if err := db.Where("status = ?", models.GhostStatusConfirmed).Order("id ASC").Find(&confirmed).Error; err != nil {
		return nil, models.WrapStorageError("load confirmed ghost entries", err)
	}
	for _, g := range confirmed {
		if g.TransactionId == nil {
			add(models.CheckGhostTransactionLink, "GhostEntry", g.ID, "confirmed ghost entry has no transaction")
			continue
		}
		var count int64
		if err := db.Model(&models.Transaction{}).Where("id = ? AND ghost_entry_id = ?", *g.TransactionId, g.ID).Count(&count).Error; err != nil {
			return nil, models.WrapStorageError("load transaction", err)
		}
		if count == 0 {
			add(models.CheckGhostTransactionLink, "GhostEntry", g.ID, "transaction %d is missing or not linked back", *g.TransactionId)
		}
	}

	// Every transaction balances to zero across at least two lines on two assets.
	type lineRow struct {
		TransactionId int
		AssetId       int
		Amount        decimal.Decimal
	}
	var lines []lineRow
	if err := db.Model(&models.TransactionLine{}).Select("transaction_id, asset_id, amount").Order("transaction_id ASC").Scan(&lines).Error; err != nil {
		return nil, models.WrapStorageError("load transaction lines", err)
	}
	var txIds []int
	if err := db.Model(&models.Transaction{}).Order("id ASC").Pluck("id", &txIds).Error; err != nil {
		return nil, models.WrapStorageError("load transactions", err)
	}
	sums := map[int]decimal.Decimal{}
	assets := map[int]map[int]bool{}
	for _, ln := range lines {
		sums[ln.TransactionId] = sums[ln.TransactionId].Add(ln.Amount)
		if assets[ln.TransactionId] == nil {
			assets[ln.TransactionId] = map[int]bool{}
		}
		assets[ln.TransactionId][ln.AssetId] = true
	}
	for _, id := range txIds {
		if !sums[id].IsZero() {
			add(models.CheckTransactionBalance, "Transaction", id, "lines sum to %s", sums[id].String())
		}
		if len(assets[id]) < 2 {
			add(models.CheckTransactionBalance, "Transaction", id, "touches %d distinct assets", len(assets[id]))
		}
	}

	if len(reports) > 0 {
		if err := db.Create(&reports).Error; err != nil {
			return nil, models.WrapStorageError("write reconciliation reports", err)
		}
	}
	if c.Logger != nil {
		c.Logger.WithFields(logrus.Fields{
			"field":      "ConsistencyChecker",
			"violations": len(reports),
		}).Info("consistency check completed")
	}
	return reports, nil
}
