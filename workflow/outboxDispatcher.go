package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Publisher delivers one outbox payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
}

type OutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publisher    Publisher
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(db *gorm.DB, logger *logrus.Logger, publisher Publisher) *OutboxDispatcher {
	return &OutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publisher:      publisher,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch, publishes it and returns how many rows were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil || d.Publisher == nil {
		return 0
	}

	var claimed []models.OutboxMessage
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch), reclaim after LockTimeout
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now, models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			// Poison messages go terminal (DLQ equivalent).
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &d.DispatcherID
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.OutboxMessage{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     claimed[i].PublishStatus,
				"locked_at":          claimed[i].LockedAt,
				"locked_by":          claimed[i].LockedBy,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			d.Logger.WithField("field", "OutboxDispatcher").Error("outbox claim failed: " + err.Error())
		}
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publisher.Publish(ctx, rec.Topic, []byte(rec.Payload), outboxAttributes(rec))
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markPublishSent(ctx, rec.ID, pubID, now)
		sent++
	}
	return sent
}

func outboxAttributes(rec models.OutboxMessage) map[string]string {
	return map[string]string{
		"outbox_id":      strconv.Itoa(rec.ID),
		"event_type":     rec.EventType,
		"reference_type": rec.ReferenceType,
		"reference_id":   strconv.Itoa(rec.ReferenceId),
		"correlation_id": rec.CorrelationId,
	}
}

func (d *OutboxDispatcher) markPublishSent(ctx context.Context, recordID int, pubsubMsgID string, now time.Time) {
	id := pubsubMsgID
	_ = d.DB.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &id,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.OutboxMessage, err error) {
	db := d.DB.WithContext(ctx)
	now := time.Now().UTC()
	msg := err.Error()
	attempt := rec.PublishAttempts

	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		_ = db.Model(&models.OutboxMessage{}).
			Where("id = ?", rec.ID).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusDead,
				"last_publish_error": &msg,
				"next_attempt_at":    nil,
				"locked_at":          nil,
				"locked_by":          nil,
			}).Error

		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":      "OutboxDispatcher",
				"record_id":  rec.ID,
				"event_type": rec.EventType,
				"attempt":    attempt,
			}).Error("outbox publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := now.Add(publishBackoff(d.InitialBackoff, attempt))
	_ = db.Model(&models.OutboxMessage{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusFailed,
			"last_publish_error": &msg,
			"next_attempt_at":    &next,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error

	if d.Logger != nil {
		d.Logger.WithFields(logrus.Fields{
			"field":           "OutboxDispatcher",
			"record_id":       rec.ID,
			"event_type":      rec.EventType,
			"attempt":         attempt,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Error("outbox publish failed: " + msg)
	}
}

// publishBackoff doubles from initial per attempt, capped at 10 minutes.
func publishBackoff(initial time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return backoff
}

// ReplayOutbox puts FAILED/DEAD rows back to PENDING with a fresh attempt budget.
// An empty ids slice replays every eligible row.
func ReplayOutbox(ctx context.Context, db *gorm.DB, ids []int) (int64, error) {
	q := db.WithContext(ctx).Model(&models.OutboxMessage{}).
		Where("publish_status IN ?", []string{models.OutboxPublishStatusFailed, models.OutboxPublishStatusDead})
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]interface{}{
		"publish_status":   models.OutboxPublishStatusPending,
		"publish_attempts": 0,
		"next_attempt_at":  nil,
		"locked_at":        nil,
		"locked_by":        nil,
	})
	return res.RowsAffected, res.Error
}
