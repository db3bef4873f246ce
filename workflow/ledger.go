package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Ledger is the only write path into transactions and transaction_lines.
type Ledger struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewLedger(db *gorm.DB, logger *logrus.Logger) *Ledger {
	return &Ledger{DB: db, Logger: logger, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// posting is a validated-at-write request for one transaction.
type posting struct {
	Description           string
	Date                  time.Time
	Lines                 []models.LineInput
	Source                models.TransactionSource
	GhostEntryId          *int
	ReversesTransactionId *int
}

// PostTransaction validates and atomically writes a manual transaction.
func (l *Ledger) PostTransaction(ctx context.Context, input models.NewTransaction) (txn *models.Transaction, err error) {
	ctx, span := startSpan(ctx, "Ledger.PostTransaction", attribute.Int("lines", len(input.Lines)))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var perr error
		txn, perr = postTransactionTx(tx, posting{
			Description: input.Description,
			Date:        input.Date,
			Lines:       input.Lines,
			Source:      models.TransactionSourceManual,
		})
		return perr
	})
	if err != nil {
		return nil, models.WrapStorageError("post transaction", err)
	}
	l.Logger.WithFields(logrus.Fields{
		"field":          "Ledger",
		"transaction_id": txn.ID,
		"source":         txn.Source,
	}).Info("transaction posted")
	return txn, nil
}

// PostTransfer moves a positive amount from one asset to another as a two-line transaction.
func (l *Ledger) PostTransfer(ctx context.Context, input models.NewTransfer) (*models.Transaction, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	lines, err := input.Lines()
	if err != nil {
		return nil, err
	}
	return l.PostTransaction(ctx, models.NewTransaction{
		Description: input.Description,
		Date:        input.Date,
		Lines:       lines,
	})
}

// postTransactionTx runs inside the caller's DB transaction so ghost promotion and the
// ledger write commit or roll back together.
func postTransactionTx(tx *gorm.DB, p posting) (*models.Transaction, error) {
	if err := models.ValidateLines(p.Lines); err != nil {
		return nil, err
	}
	if err := assetsExistTx(tx, p.Lines); err != nil {
		return nil, err
	}

	txn := models.Transaction{
		Description:           p.Description,
		Date:                  utils.TruncateToDay(p.Date),
		Status:                models.TransactionStatusConfirmed,
		Source:                p.Source,
		GhostEntryId:          p.GhostEntryId,
		ReversesTransactionId: p.ReversesTransactionId,
		Lines:                 make([]models.TransactionLine, 0, len(p.Lines)),
	}
	for _, in := range p.Lines {
		txn.Lines = append(txn.Lines, models.TransactionLine{
			AssetId: in.AssetId,
			Amount:  models.NewAmount(in.Amount),
			Type:    in.Type,
		})
	}
	if err := tx.Create(&txn).Error; err != nil {
		if isDuplicateKeyErr(err) {
			switch {
			case p.GhostEntryId != nil:
				return nil, models.NewAlreadyResolvedError(*p.GhostEntryId, models.GhostStatusConfirmed)
			case p.ReversesTransactionId != nil:
				return nil, models.NewAlreadyReversedError(*p.ReversesTransactionId)
			}
		}
		return nil, models.WrapStorageError("insert transaction", err)
	}
	return &txn, nil
}

func assetsExistTx(tx *gorm.DB, lines []models.LineInput) error {
	ids := make([]int, 0, len(lines))
	for _, in := range lines {
		ids = append(ids, in.AssetId)
	}
	ids = utils.UniqueSlice(ids)
	var found []int
	if err := tx.Model(&models.Asset{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return models.WrapStorageError("load assets", err)
	}
	known := make(map[int]bool, len(found))
	for _, id := range found {
		known[id] = true
	}
	for _, id := range ids {
		if !known[id] {
			return models.NewNotFoundError("asset", id)
		}
	}
	return nil
}

func knownAssetsTx(tx *gorm.DB, lines []models.LineInput) (map[int]bool, error) {
	ids := make([]int, 0, len(lines))
	for _, in := range lines {
		ids = append(ids, in.AssetId)
	}
	var found []int
	if err := tx.Model(&models.Asset{}).Where("id IN ?", utils.UniqueSlice(ids)).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	known := make(map[int]bool, len(found))
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

// ReverseTransaction posts a new transaction negating every line of the original.
// The original row is left untouched; the link lives on the reversal.
func (l *Ledger) ReverseTransaction(ctx context.Context, transactionId int, reason string) (rev *models.Transaction, err error) {
	ctx, span := startSpan(ctx, "Ledger.ReverseTransaction", attribute.Int("transaction_id", transactionId))
	defer func() { endSpan(span, err) }()

	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original models.Transaction
		if err := tx.Preload("Lines").Where("id = ?", transactionId).First(&original).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("transaction", transactionId)
			}
			return err
		}
		if original.Source == models.TransactionSourceReversal {
			return models.NewValidationError("transaction %d is itself a reversal", transactionId)
		}
		var existing int64
		if err := tx.Model(&models.Transaction{}).Where("reverses_transaction_id = ?", transactionId).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return models.NewAlreadyReversedError(transactionId)
		}

		lines := make([]models.LineInput, 0, len(original.Lines))
		for _, ln := range original.Lines {
			lines = append(lines, models.LineInput{
				AssetId: ln.AssetId,
				Amount:  ln.Amount.Neg(),
				Type:    oppositeLineType(ln.Type),
			})
		}
		description := fmt.Sprintf("Reversal of #%d", transactionId)
		if reason != "" {
			description += ": " + reason
		}
		description = truncateRunes(description, 255)
		var perr error
		rev, perr = postTransactionTx(tx, posting{
			Description:           description,
			Date:                  l.now(),
			Lines:                 lines,
			Source:                models.TransactionSourceReversal,
			ReversesTransactionId: &transactionId,
		})
		return perr
	})
	if err != nil {
		return nil, models.WrapStorageError("reverse transaction", err)
	}
	return rev, nil
}

// truncateRunes cuts s to at most max characters without splitting a UTF-8 sequence.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func oppositeLineType(t models.LineType) models.LineType {
	if t == models.LineTypeDebit {
		return models.LineTypeCredit
	}
	return models.LineTypeDebit
}

type lineAmount struct {
	AssetId int
	Amount  decimal.Decimal
}

// lineAmountsAsOf loads every line of the given assets whose transaction date is on or before asOf.
func lineAmountsAsOf(tx *gorm.DB, assetIds []int, asOf time.Time) ([]lineAmount, error) {
	var rows []lineAmount
	err := tx.Table("transaction_lines").
		Select("transaction_lines.asset_id AS asset_id, transaction_lines.amount AS amount").
		Joins("JOIN transactions ON transactions.id = transaction_lines.transaction_id").
		Where("transaction_lines.asset_id IN ?", assetIds).
		Where("transactions.date <= ?", asOf).
		Scan(&rows).Error
	return rows, err
}

// GetBalance is the signed sum of the asset's lines up to asOf (default now).
// Sums are taken in decimal so the result is exact on every store.
func (l *Ledger) GetBalance(ctx context.Context, assetId int, asOf *time.Time) (bal *models.Balance, err error) {
	ctx, span := startSpan(ctx, "Ledger.GetBalance", attribute.Int("asset_id", assetId))
	defer func() { endSpan(span, err) }()

	at := l.now()
	if asOf != nil {
		at = asOf.UTC()
	}
	db := l.DB.WithContext(ctx)
	var asset models.Asset
	if err := db.Where("id = ?", assetId).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("asset", assetId)
		}
		return nil, models.WrapStorageError("load asset", err)
	}
	rows, err := lineAmountsAsOf(db, []int{assetId}, at)
	if err != nil {
		return nil, models.WrapStorageError("load lines", err)
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	return &models.Balance{AssetId: assetId, Balance: sum, Currency: asset.Currency, AsOf: at}, nil
}

// GetNetWorth totals an entity's asset balances per currency.
func (l *Ledger) GetNetWorth(ctx context.Context, entityId int, asOf *time.Time) (nw *models.NetWorth, err error) {
	ctx, span := startSpan(ctx, "Ledger.GetNetWorth", attribute.Int("entity_id", entityId))
	defer func() { endSpan(span, err) }()

	at := l.now()
	if asOf != nil {
		at = asOf.UTC()
	}
	db := l.DB.WithContext(ctx)
	var entity models.Entity
	if err := db.Where("id = ?", entityId).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("entity", entityId)
		}
		return nil, models.WrapStorageError("load entity", err)
	}
	var assets []models.Asset
	if err := db.Where("entity_id = ?", entityId).Order("id ASC").Find(&assets).Error; err != nil {
		return nil, models.WrapStorageError("load assets", err)
	}
	nw = &models.NetWorth{EntityId: entityId, AsOf: at, Totals: []models.CurrencyTotal{}, Assets: []models.Balance{}}
	if len(assets) == 0 {
		return nw, nil
	}
	ids := make([]int, 0, len(assets))
	for _, a := range assets {
		ids = append(ids, a.ID)
	}
	rows, err := lineAmountsAsOf(db, ids, at)
	if err != nil {
		return nil, models.WrapStorageError("load lines", err)
	}
	perAsset := make(map[int]decimal.Decimal, len(assets))
	for _, r := range rows {
		perAsset[r.AssetId] = perAsset[r.AssetId].Add(r.Amount)
	}
	perCurrency := map[string]decimal.Decimal{}
	for _, a := range assets {
		b := perAsset[a.ID]
		nw.Assets = append(nw.Assets, models.Balance{AssetId: a.ID, Balance: b, Currency: a.Currency, AsOf: at})
		perCurrency[a.Currency] = perCurrency[a.Currency].Add(b)
	}
	for cur, total := range perCurrency {
		nw.Totals = append(nw.Totals, models.CurrencyTotal{Currency: cur, Total: total})
	}
	sort.Slice(nw.Totals, func(i, j int) bool { return nw.Totals[i].Currency < nw.Totals[j].Currency })
	return nw, nil
}

// GetHistory returns transactions newest first; ties on date break by id descending.
// Scope is always explicit through the filter.
func (l *Ledger) GetHistory(ctx context.Context, filter models.HistoryFilter) (txns []*models.Transaction, err error) {
	ctx, span := startSpan(ctx, "Ledger.GetHistory")
	defer func() { endSpan(span, err) }()

	db := l.DB.WithContext(ctx)
	q := db.Model(&models.Transaction{})
	if filter.AssetId != nil {
		q = q.Where("id IN (?)", db.Model(&models.TransactionLine{}).
			Select("transaction_id").
			Where("asset_id = ?", *filter.AssetId))
	}
	if filter.EntityId != nil {
		q = q.Where("id IN (?)", db.Table("transaction_lines").
			Select("transaction_lines.transaction_id").
			Joins("JOIN assets ON assets.id = transaction_lines.asset_id").
			Where("assets.entity_id = ?", *filter.EntityId))
	}
	if filter.From != nil {
		q = q.Where("date >= ?", utils.TruncateToDay(*filter.From))
	}
	if filter.To != nil {
		q = q.Where("date <= ?", utils.TruncateToDay(*filter.To))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	err = q.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Order("date DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&txns).Error
	if err != nil {
		config.LogError(l.Logger, "ledger.go", "GetHistory", "query history", filter, err)
		return nil, models.WrapStorageError("load history", err)
	}
	return txns, nil
}

// GetTransaction loads one transaction with its lines.
func (l *Ledger) GetTransaction(ctx context.Context, id int) (*models.Transaction, error) {
	var txn models.Transaction
	if err := l.DB.WithContext(ctx).Preload("Lines").Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("transaction", id)
		}
		return nil, models.WrapStorageError("load transaction", err)
	}
	return &txn, nil
}

// GetAssets loads the given assets keyed by id. Unknown ids are skipped.
func (l *Ledger) GetAssets(ctx context.Context, ids []int) (map[int]models.Asset, error) {
	out := make(map[int]models.Asset, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var assets []models.Asset
	if err := l.DB.WithContext(ctx).Where("id IN ?", utils.UniqueSlice(ids)).Find(&assets).Error; err != nil {
		return nil, models.WrapStorageError("load assets", err)
	}
	for _, a := range assets {
		out[a.ID] = a
	}
	return out, nil
}
