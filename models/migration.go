package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Entity{}, &Asset{},
		&Transaction{}, &TransactionLine{},
		&GhostEntry{}, &AirlockItem{}, &GovernanceTask{},
		&OutboxMessage{}, &IdempotencyKey{}, &ReconciliationReport{},
	)
}
