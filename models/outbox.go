package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/vault_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses for OutboxMessage.PublishStatus.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const (
	EventIngestionRequested = "ingestion.requested"
	EventAirlockReady       = "airlock.ready"
	EventGovernanceOverdue  = "governance.overdue"
)

// OutboxMessage is written in the same DB transaction as the state change it announces
// and published after commit by the OutboxDispatcher.
type OutboxMessage struct {
	ID               int        `gorm:"primary_key" json:"id"`
	Topic            string     `gorm:"size:255;not null;index" json:"topic"`
	EventType        string     `gorm:"size:100;not null;index" json:"event_type"`
	ReferenceType    string     `gorm:"size:50;index:idx_outbox_ref" json:"reference_type"`
	ReferenceId      int        `gorm:"index:idx_outbox_ref" json:"reference_id"`
	Payload          string     `gorm:"type:text" json:"payload"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    string     `gorm:"size:20;not null;index" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index" json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pub_sub_message_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type OutboxEvent struct {
	Topic         string
	EventType     string
	ReferenceType string
	ReferenceId   int
	Payload       any
}

// EnqueueOutbox writes an event row using db, which should be the caller's open transaction.
func EnqueueOutbox(ctx context.Context, db *gorm.DB, ev OutboxEvent) (*OutboxMessage, error) {
	payload, err := utils.MarshalToJSON(ev.Payload)
	if err != nil {
		return nil, err
	}
	record := OutboxMessage{
		Topic:         ev.Topic,
		EventType:     ev.EventType,
		ReferenceType: ev.ReferenceType,
		ReferenceId:   ev.ReferenceId,
		Payload:       payload,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	if err := db.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
