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

// Governance raises and closes review tasks. Tasks are never deduplicated: raising the
// same reference twice yields two tasks.
type Governance struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Settings config.Settings
	Now      func() time.Time
}

func NewGovernance(db *gorm.DB, logger *logrus.Logger, settings config.Settings) *Governance {
	return &Governance{DB: db, Logger: logger, Settings: settings, Now: time.Now}
}

func (g *Governance) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

type taskRef struct {
	Type models.TaskRefType
	Id   int
}

func (g *Governance) Raise(ctx context.Context, input models.NewGovernanceTask) (task *models.GovernanceTask, err error) {
	ctx, span := startSpan(ctx, "Governance.Raise", attribute.String("priority", string(input.Priority)))
	defer func() { endSpan(span, err) }()

	if err := utils.ValidateStruct(input); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	if (input.RefType == "") != (input.RefId == 0) {
		return nil, models.NewValidationError("ref_type and ref_id must be given together")
	}
	task, err = raiseTaskTx(g.DB.WithContext(ctx), input)
	if err != nil {
		return nil, models.WrapStorageError("raise task", err)
	}
	return task, nil
}

func raiseTaskTx(tx *gorm.DB, input models.NewGovernanceTask) (*models.GovernanceTask, error) {
	task := models.GovernanceTask{
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		Status:      models.TaskStatusOpen,
		Priority:    input.Priority,
		AssetId:     input.AssetId,
		RefType:     input.RefType,
		RefId:       input.RefId,
	}
	if input.DueDate != nil {
		due := input.DueDate.UTC()
		task.DueDate = &due
	}
	if err := tx.Create(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// closeTasksForTx closes every OPEN task referencing one of refs and returns how many changed.
func closeTasksForTx(tx *gorm.DB, refs []taskRef, status models.TaskStatus, now time.Time) (int64, error) {
	var total int64
	for _, ref := range refs {
		res := tx.Model(&models.GovernanceTask{}).
			Where("ref_type = ? AND ref_id = ? AND status = ?", ref.Type, ref.Id, models.TaskStatusOpen).
			Updates(map[string]interface{}{"status": status, "closed_at": now})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (g *Governance) Resolve(ctx context.Context, taskId int) (*models.GovernanceTask, error) {
	return g.close(ctx, taskId, models.TaskStatusResolved)
}

func (g *Governance) Dismiss(ctx context.Context, taskId int) (*models.GovernanceTask, error) {
	return g.close(ctx, taskId, models.TaskStatusDismissed)
}

func (g *Governance) close(ctx context.Context, taskId int, status models.TaskStatus) (task *models.GovernanceTask, err error) {
	ctx, span := startSpan(ctx, "Governance.Close", attribute.Int("task_id", taskId), attribute.String("status", string(status)))
	defer func() { endSpan(span, err) }()

	now := g.now()
	err = g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.GovernanceTask{}).
			Where("id = ? AND status = ?", taskId, models.TaskStatusOpen).
			Updates(map[string]interface{}{"status": status, "closed_at": now})
		if res.Error != nil {
			return res.Error
		}
		var current models.GovernanceTask
		if err := tx.Where("id = ?", taskId).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("governance task", taskId)
			}
			return err
		}
		if res.RowsAffected == 0 {
			return models.NewAlreadyClosedError(taskId, current.Status)
		}
		task = &current
		return nil
	})
	if err != nil {
		return nil, models.WrapStorageError("close task", err)
	}
	return task, nil
}

// ListOpen returns OPEN tasks by priority, newest first within a tier, then by id.
func (g *Governance) ListOpen(ctx context.Context) (tasks []*models.GovernanceTask, err error) {
	ctx, span := startSpan(ctx, "Governance.ListOpen")
	defer func() { endSpan(span, err) }()

	if err := g.DB.WithContext(ctx).Where("status = ?", models.TaskStatusOpen).Find(&tasks).Error; err != nil {
		return nil, models.WrapStorageError("list open tasks", err)
	}
	models.SortTasks(tasks)
	return tasks, nil
}

func (g *Governance) GetTask(ctx context.Context, taskId int) (*models.GovernanceTask, error) {
	var task models.GovernanceTask
	if err := g.DB.WithContext(ctx).Where("id = ?", taskId).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("governance task", taskId)
		}
		return nil, models.WrapStorageError("load task", err)
	}
	return &task, nil
}

// SweepOverdue bumps OPEN tasks whose due date has passed by one priority tier, at most
// once per escalation cooldown, and queues one overdue notification when any were found.
// It is invoked by an external scheduler.
func (g *Governance) SweepOverdue(ctx context.Context, now time.Time) (result *models.SweepResult, err error) {
	ctx, span := startSpan(ctx, "Governance.SweepOverdue")
	defer func() { endSpan(span, err) }()

	now = now.UTC()
	cooldown := g.Settings.EscalationCooldown()
	result = &models.SweepResult{Escalated: []int{}}
	err = g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []*models.GovernanceTask
		if err := tx.Where("status = ? AND due_date IS NOT NULL", models.TaskStatusOpen).
			Order("id ASC").Find(&open).Error; err != nil {
			return err
		}
		overdueIds := []int{}
		for _, task := range open {
			if !task.IsOverdue(now) {
				continue
			}
			result.Overdue++
			overdueIds = append(overdueIds, task.ID)
			if !task.EscalationDue(now, cooldown) {
				continue
			}
			next := task.Priority.Escalate()
			if next == task.Priority {
				continue
			}
			res := tx.Model(&models.GovernanceTask{}).
				Where("id = ? AND status = ? AND priority = ?", task.ID, models.TaskStatusOpen, task.Priority).
				Updates(map[string]interface{}{"priority": next, "escalated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				result.Escalated = append(result.Escalated, task.ID)
			}
		}
		if result.Overdue == 0 {
			return nil
		}
		_, err := models.EnqueueOutbox(ctx, tx, models.OutboxEvent{
			Topic:         g.Settings.NotificationTopic,
			EventType:     models.EventGovernanceOverdue,
			ReferenceType: "GovernanceTask",
			Payload: map[string]interface{}{
				"overdue":   result.Overdue,
				"task_ids":  overdueIds,
				"escalated": result.Escalated,
				"swept_at":  now,
			},
		})
		return err
	})
	if err != nil {
		return nil, models.WrapStorageError("sweep overdue", err)
	}
	if result.Overdue > 0 {
		g.Logger.WithFields(logrus.Fields{
			"field":     "Governance",
			"overdue":   result.Overdue,
			"escalated": len(result.Escalated),
		}).Info("overdue sweep")
	}
	return result, nil
}
