package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// MaxAmountScale is the number of decimal places amounts are stored with.
const MaxAmountScale = 4

// MaxAmountIntegerDigits is what decimal(20,4) leaves for the integer part.
const MaxAmountIntegerDigits = 16

var amountLimit = decimal.New(1, MaxAmountIntegerDigits)

// Amount is a stored line amount. MySQL keeps it in decimal(20,4); sqlite has no exact
// numeric type and would coerce NUMERIC columns to REAL, so it is stored as text there.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount { return Amount{Decimal: d} }

func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "sqlite" {
		return "text"
	}
	return "decimal(20,4)"
}

type Transaction struct {
	ID          int               `gorm:"primary_key" json:"id"`
	Description string            `gorm:"size:255;not null" json:"description"`
	Date        time.Time         `gorm:"index;not null" json:"date"`
	Status      TransactionStatus `gorm:"size:20;not null" json:"status"`
	Source      TransactionSource `gorm:"size:20;not null;index" json:"source"`
	// Unique: a ghost entry promotes into at most one transaction.
	GhostEntryId *int `gorm:"uniqueIndex" json:"ghost_entry_id,omitempty"`
	// Unique: a transaction is reversed at most once. The original row is never updated.
	ReversesTransactionId *int              `gorm:"uniqueIndex" json:"reverses_transaction_id,omitempty"`
	Lines                 []TransactionLine `gorm:"foreignKey:TransactionId" json:"lines"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type TransactionLine struct {
	ID            int      `gorm:"primary_key" json:"id"`
	TransactionId int      `gorm:"index;not null" json:"transaction_id"`
	AssetId       int      `gorm:"index;not null" json:"asset_id"`
	Amount        Amount   `gorm:"not null" json:"amount"`
	Type          LineType `gorm:"size:10;not null" json:"type"`
}

// Sum returns the signed total of the lines. A posted transaction always sums to zero.
func (t Transaction) Sum() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range t.Lines {
		sum = sum.Add(l.Amount.Decimal)
	}
	return sum
}

type LineInput struct {
	AssetId int             `json:"asset_id" validate:"required,gt=0"`
	Amount  decimal.Decimal `json:"amount"`
	Type    LineType        `json:"type" validate:"required,oneof=DEBIT CREDIT"`
}

type NewTransaction struct {
	Description string      `json:"description" validate:"required,max=255"`
	Date        time.Time   `json:"date" validate:"required"`
	Lines       []LineInput `json:"lines"`
}

type NewTransfer struct {
	Description        string          `json:"description" validate:"required,max=255"`
	Date               time.Time       `json:"date" validate:"required"`
	Amount             decimal.Decimal `json:"amount"`
	SourceAssetId      int             `json:"source_asset_id" validate:"required,gt=0"`
	DestinationAssetId int             `json:"destination_asset_id" validate:"required,gt=0,nefield=SourceAssetId"`
}

// Lines expands a transfer into its two legs: money leaves the source and lands in the destination.
func (t NewTransfer) Lines() ([]LineInput, error) {
	if !t.Amount.IsPositive() {
		return nil, NewInvalidLineSetError("transfer amount must be positive")
	}
	if t.SourceAssetId == t.DestinationAssetId {
		return nil, NewInvalidLineSetError("transfer needs two distinct assets")
	}
	return []LineInput{
		{AssetId: t.DestinationAssetId, Amount: t.Amount, Type: LineTypeDebit},
		{AssetId: t.SourceAssetId, Amount: t.Amount.Neg(), Type: LineTypeCredit},
	}, nil
}

// ValidateLines checks the double-entry rules for a candidate line set: at least two
// lines on at least two distinct assets, every amount non-zero with a sign matching its
// type (DEBIT positive, CREDIT negative), and an exact zero sum. Amounts are never rounded.
func ValidateLines(lines []LineInput) error {
	if len(lines) < 2 {
		return NewInvalidLineSetError("a transaction needs at least 2 lines, got %d", len(lines))
	}
	assets := make(map[int]struct{}, len(lines))
	sum := decimal.Zero
	for i, l := range lines {
		if l.AssetId <= 0 {
			return NewInvalidLineSetError("line %d: asset id is required", i)
		}
		if !l.Type.IsValid() {
			return NewInvalidLineSetError("line %d: unknown line type %q", i, l.Type)
		}
		if l.Amount.IsZero() {
			return NewInvalidLineSetError("line %d: amount must be non-zero", i)
		}
		if l.Type == LineTypeDebit && l.Amount.IsNegative() {
			return NewInvalidLineSetError("line %d: DEBIT amount must be positive", i)
		}
		if l.Type == LineTypeCredit && l.Amount.IsPositive() {
			return NewInvalidLineSetError("line %d: CREDIT amount must be negative", i)
		}
		if l.Amount.Abs().GreaterThanOrEqual(amountLimit) {
			return NewInvalidLineSetError("line %d: amount %s has more than %d integer digits", i, l.Amount, MaxAmountIntegerDigits)
		}
		if l.Amount.Exponent() < -MaxAmountScale && !l.Amount.Equal(l.Amount.Truncate(MaxAmountScale)) {
			return NewInvalidLineSetError("line %d: amount %s has more than %d decimal places", i, l.Amount, MaxAmountScale)
		}
		assets[l.AssetId] = struct{}{}
		sum = sum.Add(l.Amount)
	}
	if len(assets) < 2 {
		return NewInvalidLineSetError("a transaction must touch at least 2 distinct assets")
	}
	if !sum.IsZero() {
		return NewUnbalancedTransactionError(sum)
	}
	return nil
}

// LineSet is a candidate line list persisted as a JSON text column.
type LineSet []LineInput

func (s LineSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]LineInput(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *LineSet) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New(fmt.Sprint("unsupported line set column type: ", value))
	}
	var lines []LineInput
	if err := json.Unmarshal(raw, &lines); err != nil {
		return err
	}
	*s = lines
	return nil
}

func (s LineSet) AssetIds() []int {
	seen := make(map[int]bool, len(s))
	var ids []int
	for _, l := range s {
		if !seen[l.AssetId] {
			seen[l.AssetId] = true
			ids = append(ids, l.AssetId)
		}
	}
	return ids
}

// Balance is the derived balance of one asset at a point in time.
type Balance struct {
	AssetId  int             `json:"asset_id"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
}

type HistoryFilter struct {
	AssetId  *int       `json:"asset_id" form:"asset_id"`
	EntityId *int       `json:"entity_id" form:"entity_id"`
	From     *time.Time `json:"from"`
	To       *time.Time `json:"to"`
	Limit    int        `json:"limit" form:"limit"`
	Offset   int        `json:"offset" form:"offset"`
}

// CurrencyTotal is one currency bucket of an entity's net worth. No FX conversion is applied.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Total    decimal.Decimal `json:"total"`
}

type NetWorth struct {
	EntityId int             `json:"entity_id"`
	AsOf     time.Time       `json:"as_of"`
	Totals   []CurrencyTotal `json:"totals"`
	Assets   []Balance       `json:"assets"`
}
