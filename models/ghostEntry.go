package models

import (
	"fmt"
	"time"
)

// GhostEntry is a provisional transaction derived from an ingested document.
// Status changes only through PendingGhost, which exists only for PENDING entries.
type GhostEntry struct {
	ID               int         `gorm:"primary_key" json:"id"`
	// Unique: a document produces at most one ghost entry.
	SourceDocumentId int         `gorm:"uniqueIndex;not null" json:"source_document_id"`
	CandidateLines   LineSet     `gorm:"type:text;not null" json:"candidate_lines"`
	Confidence       float64     `gorm:"not null" json:"confidence"`
	Description      string      `gorm:"size:255" json:"description"`
	TransactionDate  *time.Time  `json:"transaction_date,omitempty"`
	Status           GhostStatus `gorm:"size:20;not null;index" json:"status"`
	TransactionId    *int        `gorm:"index" json:"transaction_id,omitempty"`
	RejectReason     *string     `gorm:"type:text" json:"reject_reason,omitempty"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	CreatedAt        time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// Pending returns the entry as a PendingGhost, or ALREADY_RESOLVED when it is terminal.
func (g GhostEntry) Pending() (PendingGhost, error) {
	switch g.Status {
	case GhostStatusPending:
		return PendingGhost{entry: g}, nil
	case GhostStatusConfirmed, GhostStatusRejected:
		return PendingGhost{}, NewAlreadyResolvedError(g.ID, g.Status)
	default:
		return PendingGhost{}, fmt.Errorf("ghost entry %d has unknown status %q", g.ID, g.Status)
	}
}

func (g GhostEntry) IsTerminal() bool {
	switch g.Status {
	case GhostStatusConfirmed, GhostStatusRejected:
		return true
	default:
		return false
	}
}

// PendingGhost is a ghost entry known to be PENDING. It is the only value with transition methods.
type PendingGhost struct {
	entry GhostEntry
}

func (p PendingGhost) ID() int { return p.entry.ID }
func (p PendingGhost) DocumentId() int { return p.entry.SourceDocumentId }
func (p PendingGhost) Lines() LineSet { return p.entry.CandidateLines }
func (p PendingGhost) Confidence() float64 { return p.entry.Confidence }
func (p PendingGhost) Entry() GhostEntry { return p.entry }

// PostingDate is the extracted document date, or confirmedAt when the document had none.
func (p PendingGhost) PostingDate(confirmedAt time.Time) time.Time {
	if p.entry.TransactionDate != nil {
		return *p.entry.TransactionDate
	}
	return confirmedAt
}

func (p PendingGhost) PostingDescription() string {
	if p.entry.Description != "" {
		return p.entry.Description
	}
	return fmt.Sprintf("Document %d", p.entry.SourceDocumentId)
}

func (p PendingGhost) Confirm(transactionId int, at time.Time) GhostTransition {
	return GhostTransition{
		ID:            p.entry.ID,
		From:          GhostStatusPending,
		To:            GhostStatusConfirmed,
		TransactionId: &transactionId,
		ResolvedAt:    at,
	}
}

func (p PendingGhost) Reject(reason string, at time.Time) GhostTransition {
	return GhostTransition{
		ID:           p.entry.ID,
		From:         GhostStatusPending,
		To:           GhostStatusRejected,
		RejectReason: &reason,
		ResolvedAt:   at,
	}
}

// GhostTransition is a status change to apply with a compare-and-swap on From.
type GhostTransition struct {
	ID            int
	From          GhostStatus
	To            GhostStatus
	TransactionId *int
	RejectReason  *string
	ResolvedAt    time.Time
}

func (t GhostTransition) Updates() map[string]interface{} {
	u := map[string]interface{}{
		"status":      t.To,
		"resolved_at": t.ResolvedAt,
	}
	if t.TransactionId != nil {
		u["transaction_id"] = *t.TransactionId
	}
	if t.RejectReason != nil {
		u["reject_reason"] = *t.RejectReason
	}
	return u
}

type GhostEntryFilter struct {
	Status     *GhostStatus `form:"status" json:"status"`
	DocumentId *int         `form:"document_id" json:"document_id"`
	Limit      int          `form:"limit" json:"limit"`
}
