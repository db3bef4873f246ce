package models

import (
	"sort"
	"time"
)

// GovernanceTask is a human-review work item. RefType/RefId are a weak reference to the
// supervised record; there is no association or cascade.
type GovernanceTask struct {
	ID          int          `gorm:"primary_key" json:"id"`
	Title       string       `gorm:"size:255;not null" json:"title"`
	Description string       `gorm:"type:text" json:"description"`
	Status      TaskStatus   `gorm:"size:20;not null;index" json:"status"`
	Priority    TaskPriority `gorm:"size:20;not null" json:"priority"`
	AssetId     *int         `gorm:"index" json:"asset_id,omitempty"`
	RefType     TaskRefType  `gorm:"size:20;index:idx_governance_task_ref" json:"ref_type,omitempty"`
	RefId       int          `gorm:"index:idx_governance_task_ref" json:"ref_id,omitempty"`
	DueDate     *time.Time   `gorm:"index" json:"due_date,omitempty"`
	EscalatedAt *time.Time   `json:"escalated_at,omitempty"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	CreatedAt   time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewGovernanceTask struct {
	Title       string       `json:"title" validate:"required,max=255"`
	Description string       `json:"description"`
	Priority    TaskPriority `json:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	AssetId     *int         `json:"asset_id" validate:"omitempty,gt=0"`
	RefType     TaskRefType  `json:"ref_type" validate:"omitempty,oneof=GHOST_ENTRY AIRLOCK_ITEM"`
	RefId       int          `json:"ref_id" validate:"gte=0"`
	DueDate     *time.Time   `json:"due_date"`
}

// Rank orders priorities; unknown values rank last.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 0
	case TaskPriorityHigh:
		return 1
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 3
	default:
		return 99
	}
}

// Escalate bumps one tier, capped at CRITICAL. Unknown priorities enter at LOW.
func (p TaskPriority) Escalate() TaskPriority {
	switch p {
	case TaskPriorityCritical, TaskPriorityHigh:
		return TaskPriorityCritical
	case TaskPriorityMedium:
		return TaskPriorityHigh
	case TaskPriorityLow:
		return TaskPriorityMedium
	default:
		return TaskPriorityLow
	}
}

func (t GovernanceTask) IsOverdue(now time.Time) bool {
	return t.Status == TaskStatusOpen && t.DueDate != nil && t.DueDate.Before(now)
}

// EscalationDue reports whether an overdue task may be bumped again.
func (t GovernanceTask) EscalationDue(now time.Time, cooldown time.Duration) bool {
	if !t.IsOverdue(now) {
		return false
	}
	return t.EscalatedAt == nil || !now.Before(t.EscalatedAt.Add(cooldown))
}

// TaskLess is the listOpen order: priority rank, then newest first, then highest id.
func TaskLess(a, b *GovernanceTask) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func SortTasks(tasks []*GovernanceTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return TaskLess(tasks[i], tasks[j])
	})
}

// SweepResult reports one overdue sweep.
type SweepResult struct {
	Overdue   int   `json:"overdue"`
	Escalated []int `json:"escalated"`
}
