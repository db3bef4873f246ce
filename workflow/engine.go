package workflow

import (
	"github.com/mmdatafocus/vault_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine wires the workflows over one database.
type Engine struct {
	Ledger      *Ledger
	Reconciler  *Reconciler
	Ingestion   *Ingestion
	Governance  *Governance
	Consistency *ConsistencyChecker
}

func NewEngine(db *gorm.DB, logger *logrus.Logger, settings config.Settings) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	reconciler := NewReconciler(db, logger)
	reconciler.AutoPromoteThreshold = settings.AutoPromoteThreshold
	return &Engine{
		Ledger:      NewLedger(db, logger),
		Reconciler:  reconciler,
		Ingestion:   NewIngestion(db, logger, settings, reconciler),
		Governance:  NewGovernance(db, logger, settings),
		Consistency: NewConsistencyChecker(db, logger),
	}
}
