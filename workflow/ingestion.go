package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Ingestion drives airlock items from RECEIVED to a terminal state. It never retries or
// schedules work; the document pipeline calls it as it advances.
type Ingestion struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Settings   config.Settings
	Reconciler *Reconciler
	Now        func() time.Time
}

func NewIngestion(db *gorm.DB, logger *logrus.Logger, settings config.Settings, reconciler *Reconciler) *Ingestion {
	return &Ingestion{DB: db, Logger: logger, Settings: settings, Reconciler: reconciler, Now: time.Now}
}

func (in *Ingestion) now() time.Time {
	if in.Now == nil {
		return time.Now().UTC()
	}
	return in.Now().UTC()
}

// Receive records a new document and queues the ingestion-requested event in the same commit.
func (in *Ingestion) Receive(ctx context.Context, input models.NewAirlockItem) (item *models.AirlockItem, err error) {
	ctx, span := startSpan(ctx, "Ingestion.Receive")
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	if input.UploaderId == "" {
		if caller, ok := utils.GetCallerIdFromContext(ctx); ok {
			input.UploaderId = caller
		}
	}
	err = in.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.AssetId != nil {
			var count int64
			if err := tx.Model(&models.Asset{}).Where("id = ?", *input.AssetId).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return models.NewNotFoundError("asset", *input.AssetId)
			}
		}
		item = &models.AirlockItem{
			FilePath:   strings.TrimSpace(input.FilePath),
			AssetId:    input.AssetId,
			UploaderId: input.UploaderId,
			Status:     models.AirlockStatusReceived,
		}
		if err := tx.Create(item).Error; err != nil {
			return err
		}
		_, err := models.EnqueueOutbox(ctx, tx, models.OutboxEvent{
			Topic:         in.Settings.IngestionTopic,
			EventType:     models.EventIngestionRequested,
			ReferenceType: "AirlockItem",
			ReferenceId:   item.ID,
			Payload: models.IngestionRequested{
				DocumentId: item.ID,
				FilePath:   item.FilePath,
				AssetHint:  item.AssetId,
				UploaderId: item.UploaderId,
			},
		})
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("receive document", err)
	}
	return item, nil
}

func loadItemTx(tx *gorm.DB, itemId int) (*models.AirlockItem, error) {
	var item models.AirlockItem
	if err := tx.Where("id = ?", itemId).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("airlock item", itemId)
		}
		return nil, err
	}
	return &item, nil
}

// transitionItemTx moves item to next with a compare-and-swap on its current status.
func transitionItemTx(tx *gorm.DB, item *models.AirlockItem, next models.AirlockStatus, extra map[string]interface{}) error {
	if !item.Status.CanTransitionTo(next) {
		return models.NewInvalidTransitionError("airlock item", item.ID, string(item.Status), string(next))
	}
	updates := map[string]interface{}{"status": next}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.Model(&models.AirlockItem{}).
		Where("id = ? AND status = ?", item.ID, item.Status).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := loadItemTx(tx, item.ID)
		if err != nil {
			return err
		}
		return models.NewInvalidTransitionError("airlock item", item.ID, string(current.Status), string(next))
	}
	item.Status = next
	return nil
}

// resolveLinkedItemTx keeps the item's terminal status in step with its ghost entry.
// Ghost entries not linked to an item leave ingestion state alone.
func resolveLinkedItemTx(tx *gorm.DB, ghost *models.GhostEntry, next models.AirlockStatus) error {
	var item models.AirlockItem
	err := tx.Where("id = ? AND ghost_entry_id = ?", ghost.SourceDocumentId, ghost.ID).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return transitionItemTx(tx, &item, next, nil)
}

func (in *Ingestion) MarkProcessing(ctx context.Context, itemId int) (item *models.AirlockItem, err error) {
	ctx, span := startSpan(ctx, "Ingestion.MarkProcessing", attribute.Int("document_id", itemId))
	defer func() { endSpan(span, err) }()

	err = in.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lerr error
		item, lerr = loadItemTx(tx, itemId)
		if lerr != nil {
			return lerr
		}
		return transitionItemTx(tx, item, models.AirlockStatusProcessing, nil)
	})
	if err != nil {
		return nil, models.WrapStorageError("mark processing", err)
	}
	return item, nil
}

// MarkFailed records an unrecoverable processing error. A MATCHED item's pending ghost
// entry is rejected with the same detail so the two never disagree.
func (in *Ingestion) MarkFailed(ctx context.Context, itemId int, detail string) (item *models.AirlockItem, err error) {
	ctx, span := startSpan(ctx, "Ingestion.MarkFailed", attribute.Int("document_id", itemId))
	defer func() { endSpan(span, err) }()

	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "processing failed"
	}
	now := in.now()
	err = in.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lerr error
		item, lerr = loadItemTx(tx, itemId)
		if lerr != nil {
			return lerr
		}
		if item.Status == models.AirlockStatusFailed {
			// Replayed failure callback.
			return nil
		}
		if item.Status == models.AirlockStatusMatched && item.GhostEntryId != nil {
			ghost, err := loadGhostTx(tx, *item.GhostEntryId)
			if err != nil {
				return err
			}
			if pending, perr := ghost.Pending(); perr == nil {
				if err := applyGhostTransition(tx, pending.Reject(detail, now)); err != nil {
					return err
				}
				if _, err := closeTasksForTx(tx, ghostRefs(ghost), models.TaskStatusDismissed, now); err != nil {
					return err
				}
			}
		}
		return transitionItemTx(tx, item, models.AirlockStatusFailed, map[string]interface{}{"error_detail": detail})
	})
	if err != nil {
		return nil, models.WrapStorageError("mark failed", err)
	}
	in.Logger.WithFields(logrus.Fields{
		"field":       "Ingestion",
		"document_id": itemId,
		"detail":      detail,
	}).Warn("document failed")
	return item, nil
}

// MarkExtracted is MarkExtractedDetails without a document date or description.
func (in *Ingestion) MarkExtracted(ctx context.Context, itemId int, lines []models.LineInput, confidence float64) (*models.GhostEntry, error) {
	return in.MarkExtractedDetails(ctx, itemId, models.Extraction{Lines: lines, Confidence: confidence})
}

// MarkExtractedDetails moves a PROCESSING item through EXTRACTED to MATCHED, creating the
// ghost entry and, for low confidence or a RED grade, one review task, all in one commit.
// An empty extraction leaves the item untouched. Replaying it on an item whose ghost entry is
// pending or confirmed returns that entry; on a failed or rejected item it is INVALID_TRANSITION.
func (in *Ingestion) MarkExtractedDetails(ctx context.Context, itemId int, ex models.Extraction) (ghost *models.GhostEntry, err error) {
	ctx, span := startSpan(ctx, "Ingestion.MarkExtracted",
		attribute.Int("document_id", itemId),
		attribute.Float64("confidence", ex.Confidence))
	defer func() { endSpan(span, err) }()

	if err := validateExtraction(itemId, ex); err != nil {
		return nil, err
	}
	now := in.now()
	created := false
	err = in.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemTx(tx, itemId)
		if err != nil {
			return err
		}
		if item.GhostEntryId != nil {
			ghost, err = loadGhostTx(tx, *item.GhostEntryId)
			if err != nil {
				return err
			}
			// Redelivery onto a failed or rejected document must not report success.
			if item.Status == models.AirlockStatusFailed || item.Status == models.AirlockStatusRejected || ghost.Status == models.GhostStatusRejected {
				return models.NewInvalidTransitionError("airlock item", item.ID, string(item.Status), string(models.AirlockStatusExtracted))
			}
			return nil
		}
		var light models.TrafficLight
		ghost, light, err = linkExtractionTx(tx, item, ex)
		if err != nil {
			return err
		}
		if ex.Confidence < in.Settings.LowConfidenceThreshold || light == models.TrafficLightRed {
			if _, err := raiseTaskTx(tx, reviewTask(item, ghost, light, now.Add(in.Settings.ReviewDue()))); err != nil {
				return err
			}
		}
		_, err = models.EnqueueOutbox(ctx, tx, models.OutboxEvent{
			Topic:         in.Settings.NotificationTopic,
			EventType:     models.EventAirlockReady,
			ReferenceType: "AirlockItem",
			ReferenceId:   item.ID,
			Payload: map[string]interface{}{
				"document_id":    item.ID,
				"ghost_entry_id": ghost.ID,
				"traffic_light":  light,
				"confidence":     ex.Confidence,
			},
		})
		created = true
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("mark extracted", err)
	}
	if created && in.Reconciler != nil {
		if _, promoted, perr := in.Reconciler.MaybeAutoPromote(ctx, ghost.ID); perr != nil {
			config.LogError(in.Logger, "ingestion.go", "MarkExtracted", "auto promote", ghost.ID, perr)
		} else if promoted {
			ghost, err = in.Reconciler.GetGhostEntry(ctx, ghost.ID)
			if err != nil {
				return nil, err
			}
		}
	}
	return ghost, nil
}

func reviewTask(item *models.AirlockItem, ghost *models.GhostEntry, light models.TrafficLight, due time.Time) models.NewGovernanceTask {
	assetId := item.AssetId
	if assetId == nil && len(ghost.CandidateLines) > 0 {
		first := ghost.CandidateLines[0].AssetId
		assetId = &first
	}
	return models.NewGovernanceTask{
		Title:       models.ReviewTitle(light),
		Description: "Review the extracted lines of " + item.FilePath + " before they reach the ledger.",
		Priority:    models.ReviewPriority(light),
		AssetId:     assetId,
		RefType:     models.TaskRefGhostEntry,
		RefId:       ghost.ID,
		DueDate:     &due,
	}
}

func (in *Ingestion) GetItem(ctx context.Context, itemId int) (*models.AirlockItem, error) {
	item, err := loadItemTx(in.DB.WithContext(ctx), itemId)
	if err != nil {
		return nil, models.WrapStorageError("load airlock item", err)
	}
	return item, nil
}

const extractionHandlerName = "extraction_callback"

// HandleExtractionCallback applies one push-delivered extraction result. The per-document
// Redis lock is best-effort; the idempotency key and the state machine's replay rules make
// redelivery safe.
func (in *Ingestion) HandleExtractionCallback(ctx context.Context, messageId string, res models.ExtractionResult) error {
	if err := utils.ValidateStruct(res); err != nil {
		return models.NewValidationError("%s", err.Error())
	}
	release, lerr := utils.DocumentLock(ctx, res.DocumentId, "extraction", "ingestion.go", "HandleExtractionCallback")
	defer release()
	if errors.Is(lerr, utils.ErrLockNotObtained) {
		return ErrDeliveryInProgress
	}

	db := in.DB.WithContext(ctx)
	done, err := claimDelivery(db, extractionHandlerName, messageId)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if res.ErrorDetail != "" {
		_, err = in.MarkFailed(ctx, res.DocumentId, res.ErrorDetail)
	} else {
		_, err = in.MarkExtractedDetails(ctx, res.DocumentId, res.Extraction())
	}
	if err != nil {
		if serr := settleDelivery(db, extractionHandlerName, messageId, err); serr != nil {
			config.LogError(in.Logger, "ingestion.go", "HandleExtractionCallback", "settle failed delivery", messageId, serr)
		}
		return err
	}
	return settleDelivery(db, extractionHandlerName, messageId, nil)
}
