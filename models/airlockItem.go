package models

import "time"

type AirlockStatus string

const (
	AirlockStatusReceived   AirlockStatus = "RECEIVED"
	AirlockStatusProcessing AirlockStatus = "PROCESSING"
	AirlockStatusExtracted  AirlockStatus = "EXTRACTED"
	AirlockStatusMatched    AirlockStatus = "MATCHED"
	AirlockStatusPosted     AirlockStatus = "POSTED"
	AirlockStatusRejected   AirlockStatus = "REJECTED"
	AirlockStatusFailed     AirlockStatus = "FAILED"
)

var airlockTransitions = map[AirlockStatus][]AirlockStatus{
	AirlockStatusReceived:   {AirlockStatusProcessing, AirlockStatusFailed},
	AirlockStatusProcessing: {AirlockStatusExtracted, AirlockStatusFailed},
	AirlockStatusExtracted:  {AirlockStatusMatched, AirlockStatusFailed},
	AirlockStatusMatched:    {AirlockStatusPosted, AirlockStatusRejected, AirlockStatusFailed},
}

func (s AirlockStatus) IsTerminal() bool {
	switch s {
	case AirlockStatusPosted, AirlockStatusRejected, AirlockStatusFailed:
		return true
	default:
		return false
	}
}

func (s AirlockStatus) CanTransitionTo(next AirlockStatus) bool {
	for _, allowed := range airlockTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AirlockItem is an uploaded document moving through ingestion.
type AirlockItem struct {
	ID           int           `gorm:"primary_key" json:"id"`
	FilePath     string        `gorm:"size:1024;not null" json:"file_path"`
	AssetId      *int          `gorm:"index" json:"asset_id,omitempty"`
	UploaderId   string        `gorm:"size:64;index" json:"uploader_id"`
	Status       AirlockStatus `gorm:"size:20;not null;index" json:"status"`
	GhostEntryId *int          `gorm:"index" json:"ghost_entry_id,omitempty"`
	ErrorDetail  *string       `gorm:"type:text" json:"error_detail,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty"`
	TrafficLight *TrafficLight `gorm:"size:10" json:"traffic_light,omitempty"`
	CreatedAt    time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// GhostStatusFor is the ghost entry status an item in a terminal state must agree with.
// FAILED items have no ghost entry requirement.
func (s AirlockStatus) GhostStatusFor() (GhostStatus, bool) {
	switch s {
	case AirlockStatusPosted:
		return GhostStatusConfirmed, true
	case AirlockStatusRejected:
		return GhostStatusRejected, true
	case AirlockStatusMatched:
		return GhostStatusPending, true
	default:
		return "", false
	}
}

type NewAirlockItem struct {
	FilePath   string `json:"file_path" validate:"required,max=1024"`
	AssetId    *int   `json:"asset_id" validate:"omitempty,gt=0"`
	UploaderId string `json:"uploader_id" validate:"max=64"`
}

// Extraction is the structured data delivered for one document.
type Extraction struct {
	Lines       []LineInput `json:"candidate_lines"`
	Confidence  float64     `json:"confidence"`
	Description string      `json:"description"`
	Date        *time.Time  `json:"date"`
}

// ExtractionResult is the payload of the extraction callback. Either CandidateLines or
// ErrorDetail is set.
type ExtractionResult struct {
	DocumentId     int         `json:"document_id" validate:"required,gt=0"`
	CandidateLines []LineInput `json:"candidate_lines"`
	Confidence     float64     `json:"confidence" validate:"gte=0,lte=1"`
	Description    string      `json:"description" validate:"max=255"`
	Date           *time.Time  `json:"date"`
	ErrorDetail    string      `json:"error_detail"`
}

func (r ExtractionResult) Extraction() Extraction {
	return Extraction{
		Lines:       r.CandidateLines,
		Confidence:  r.Confidence,
		Description: r.Description,
		Date:        r.Date,
	}
}

// IngestionRequested is the event emitted when a document is received.
type IngestionRequested struct {
	DocumentId int    `json:"document_id"`
	FilePath   string `json:"file_path"`
	AssetHint  *int   `json:"asset_hint"`
	UploaderId string `json:"uploader_id"`
}
