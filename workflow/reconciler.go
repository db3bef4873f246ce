package workflow

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Reconciler owns ghost entries until they are confirmed into the ledger or rejected.
type Reconciler struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time

	// AutoPromoteThreshold enables MaybeAutoPromote when > 0. Zero keeps promotion manual.
	AutoPromoteThreshold float64
}

func NewReconciler(db *gorm.DB, logger *logrus.Logger) *Reconciler {
	return &Reconciler{DB: db, Logger: logger, Now: time.Now}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func validateExtraction(documentId int, ex models.Extraction) error {
	if len(ex.Lines) == 0 {
		return models.NewEmptyExtractionError(documentId)
	}
	if math.IsNaN(ex.Confidence) || ex.Confidence < 0 || ex.Confidence > 1 {
		return models.NewValidationError("confidence must be within [0,1], got %v", ex.Confidence)
	}
	if len(ex.Description) > 255 {
		return models.NewValidationError("description longer than 255 characters")
	}
	return nil
}

// CreateFromExtraction stores a PENDING ghost entry for a document that is being processed
// and links it to the document, which moves through EXTRACTED to MATCHED.
func (r *Reconciler) CreateFromExtraction(ctx context.Context, documentId int, lines []models.LineInput, confidence float64) (*models.GhostEntry, error) {
	return r.CreateFromExtractionDetails(ctx, documentId, models.Extraction{Lines: lines, Confidence: confidence})
}

// CreateFromExtractionDetails returns ALREADY_RESOLVED when the document already produced a
// ghost entry and INVALID_TRANSITION when the document is not PROCESSING.
func (r *Reconciler) CreateFromExtractionDetails(ctx context.Context, documentId int, ex models.Extraction) (ghost *models.GhostEntry, err error) {
	ctx, span := startSpan(ctx, "Reconciler.CreateFromExtraction", attribute.Int("document_id", documentId))
	defer func() { endSpan(span, err) }()

	if err := validateExtraction(documentId, ex); err != nil {
		return nil, err
	}
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemTx(tx, documentId)
		if err != nil {
			return err
		}
		existing, err := documentGhostTx(tx, item)
		if err != nil {
			return err
		}
		if existing != nil {
			return models.NewAlreadyResolvedError(existing.ID, existing.Status)
		}
		ghost, _, err = linkExtractionTx(tx, item, ex)
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("create ghost entry", err)
	}
	return ghost, nil
}

// documentGhostTx returns the ghost entry produced from item, or nil when there is none.
func documentGhostTx(tx *gorm.DB, item *models.AirlockItem) (*models.GhostEntry, error) {
	if item.GhostEntryId != nil {
		return loadGhostTx(tx, *item.GhostEntryId)
	}
	var ghost models.GhostEntry
	err := tx.Where("source_document_id = ?", item.ID).First(&ghost).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ghost, nil
}

// linkExtractionTx moves a PROCESSING item to EXTRACTED, creates its ghost entry, grades it
// and moves the item to MATCHED pointing at the entry.
func linkExtractionTx(tx *gorm.DB, item *models.AirlockItem, ex models.Extraction) (*models.GhostEntry, models.TrafficLight, error) {
	if err := transitionItemTx(tx, item, models.AirlockStatusExtracted, map[string]interface{}{
		"confidence": ex.Confidence,
	}); err != nil {
		return nil, "", err
	}
	ghost, err := createGhostTx(tx, item.ID, ex)
	if err != nil {
		if isDuplicateKeyErr(err) {
			if existing, lerr := documentGhostTx(tx, item); lerr == nil && existing != nil {
				return nil, "", models.NewAlreadyResolvedError(existing.ID, existing.Status)
			}
		}
		return nil, "", err
	}
	known, err := knownAssetsTx(tx, ex.Lines)
	if err != nil {
		return nil, "", err
	}
	light := models.GradeExtraction(ex.Lines, ex.Confidence, known)
	if err := transitionItemTx(tx, item, models.AirlockStatusMatched, map[string]interface{}{
		"ghost_entry_id": ghost.ID,
		"traffic_light":  light,
	}); err != nil {
		return nil, "", err
	}
	item.GhostEntryId = &ghost.ID
	item.TrafficLight = &light
	return ghost, light, nil
}

func createGhostTx(tx *gorm.DB, documentId int, ex models.Extraction) (*models.GhostEntry, error) {
	ghost := models.GhostEntry{
		SourceDocumentId: documentId,
		CandidateLines:   models.LineSet(ex.Lines),
		Confidence:       ex.Confidence,
		Description:      strings.TrimSpace(ex.Description),
		Status:           models.GhostStatusPending,
	}
	if ex.Date != nil {
		d := utils.TruncateToDay(*ex.Date)
		ghost.TransactionDate = &d
	}
	if err := tx.Create(&ghost).Error; err != nil {
		return nil, err
	}
	return &ghost, nil
}

func loadGhostTx(tx *gorm.DB, ghostId int) (*models.GhostEntry, error) {
	var ghost models.GhostEntry
	if err := tx.Where("id = ?", ghostId).First(&ghost).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("ghost entry", ghostId)
		}
		return nil, err
	}
	return &ghost, nil
}

// applyGhostTransition is the compare-and-swap on the ghost status. Zero rows means a
// concurrent caller resolved it first.
func applyGhostTransition(tx *gorm.DB, t models.GhostTransition) error {
	res := tx.Model(&models.GhostEntry{}).
		Where("id = ? AND status = ?", t.ID, t.From).
		Updates(t.Updates())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var current models.GhostEntry
		if err := tx.Select("status").Where("id = ?", t.ID).First(&current).Error; err != nil {
			return err
		}
		return models.NewAlreadyResolvedError(t.ID, current.Status)
	}
	return nil
}

// Confirm promotes a PENDING ghost entry into a ledger transaction. overrideLines replace
// the candidate lines when given. The posting, the status swap, the airlock item and the
// review tasks all commit in one DB transaction; a ledger error leaves the entry PENDING.
func (r *Reconciler) Confirm(ctx context.Context, ghostId int, overrideLines []models.LineInput) (txn *models.Transaction, err error) {
	ctx, span := startSpan(ctx, "Reconciler.Confirm", attribute.Int("ghost_entry_id", ghostId), attribute.Bool("override", len(overrideLines) > 0))
	defer func() { endSpan(span, err) }()

	now := r.now()
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ghost, err := loadGhostTx(tx, ghostId)
		if err != nil {
			return err
		}
		pending, err := ghost.Pending()
		if err != nil {
			return err
		}
		lines := []models.LineInput(pending.Lines())
		if len(overrideLines) > 0 {
			lines = overrideLines
		}
		txn, err = postTransactionTx(tx, posting{
			Description:  pending.PostingDescription(),
			Date:         pending.PostingDate(now),
			Lines:        lines,
			Source:       models.TransactionSourceGhostEntry,
			GhostEntryId: &ghostId,
		})
		if err != nil {
			return err
		}
		if err := applyGhostTransition(tx, pending.Confirm(txn.ID, now)); err != nil {
			return err
		}
		if err := resolveLinkedItemTx(tx, ghost, models.AirlockStatusPosted); err != nil {
			return err
		}
		_, err = closeTasksForTx(tx, ghostRefs(ghost), models.TaskStatusResolved, now)
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("confirm ghost entry", err)
	}
	r.Logger.WithFields(logrus.Fields{
		"field":          "Reconciler",
		"ghost_entry_id": ghostId,
		"transaction_id": txn.ID,
	}).Info("ghost entry confirmed")
	return txn, nil
}

// Reject closes a PENDING ghost entry without touching the ledger.
func (r *Reconciler) Reject(ctx context.Context, ghostId int, reason string) (ghost *models.GhostEntry, err error) {
	ctx, span := startSpan(ctx, "Reconciler.Reject", attribute.Int("ghost_entry_id", ghostId))
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reject reason is required")
	}
	now := r.now()
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		g, err := loadGhostTx(tx, ghostId)
		if err != nil {
			return err
		}
		pending, err := g.Pending()
		if err != nil {
			return err
		}
		if err := rejectPendingTx(tx, pending, reason, now); err != nil {
			return err
		}
		ghost, err = loadGhostTx(tx, ghostId)
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("reject ghost entry", err)
	}
	return ghost, nil
}

func rejectPendingTx(tx *gorm.DB, pending models.PendingGhost, reason string, now time.Time) error {
	if err := applyGhostTransition(tx, pending.Reject(reason, now)); err != nil {
		return err
	}
	entry := pending.Entry()
	if err := resolveLinkedItemTx(tx, &entry, models.AirlockStatusRejected); err != nil {
		return err
	}
	_, err := closeTasksForTx(tx, ghostRefs(&entry), models.TaskStatusDismissed, now)
	return err
}

func ghostRefs(g *models.GhostEntry) []taskRef {
	return []taskRef{
		{Type: models.TaskRefGhostEntry, Id: g.ID},
		{Type: models.TaskRefAirlockItem, Id: g.SourceDocumentId},
	}
}

// MaybeAutoPromote confirms a ghost entry only when the threshold is enabled, the
// extraction grades GREEN and its confidence reaches the threshold.
func (r *Reconciler) MaybeAutoPromote(ctx context.Context, ghostId int) (*models.Transaction, bool, error) {
	if r.AutoPromoteThreshold <= 0 {
		return nil, false, nil
	}
	ghost, err := r.GetGhostEntry(ctx, ghostId)
	if err != nil {
		return nil, false, err
	}
	if ghost.Status != models.GhostStatusPending || ghost.Confidence < r.AutoPromoteThreshold {
		return nil, false, nil
	}
	known, err := knownAssetsTx(r.DB.WithContext(ctx), ghost.CandidateLines)
	if err != nil {
		return nil, false, models.WrapStorageError("load assets", err)
	}
	if models.GradeExtraction(ghost.CandidateLines, ghost.Confidence, known) != models.TrafficLightGreen {
		return nil, false, nil
	}
	txn, err := r.Confirm(ctx, ghostId, nil)
	if err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (r *Reconciler) GetGhostEntry(ctx context.Context, ghostId int) (*models.GhostEntry, error) {
	ghost, err := loadGhostTx(r.DB.WithContext(ctx), ghostId)
	if err != nil {
		return nil, models.WrapStorageError("load ghost entry", err)
	}
	return ghost, nil
}

func (r *Reconciler) ListGhostEntries(ctx context.Context, filter models.GhostEntryFilter) ([]*models.GhostEntry, error) {
	q := r.DB.WithContext(ctx).Model(&models.GhostEntry{})
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.DocumentId != nil {
		q = q.Where("source_document_id = ?", *filter.DocumentId)
	}
	limit := filter.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	var ghosts []*models.GhostEntry
	if err := q.Order("id DESC").Limit(limit).Find(&ghosts).Error; err != nil {
		return nil, models.WrapStorageError("list ghost entries", err)
	}
	return ghosts, nil
}
