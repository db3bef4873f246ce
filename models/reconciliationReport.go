package models

import "time"

const (
	CheckAirlockGhostAgreement = "AIRLOCK_GHOST_AGREEMENT"
	CheckTransactionBalance    = "TRANSACTION_BALANCE"
	CheckGhostTransactionLink  = "GHOST_TRANSACTION_LINK"
	CheckGhostDocumentLink     = "GHOST_DOCUMENT_LINK"
)

// ReconciliationReport is one consistency violation found by the checker.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // AirlockItem, GhostEntry, Transaction
	EntityId      int       `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
