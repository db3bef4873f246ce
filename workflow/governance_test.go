package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/vault_backend/models"
)

func TestGovernance_RaiseAndClose(t *testing.T) {
	f := newFixture(t)
	gov := f.engine.Governance

	if _, err := gov.Raise(f.ctx, models.NewGovernanceTask{Title: "x", Priority: "URGENT"}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("bad priority: %v", err)
	}
	if _, err := gov.Raise(f.ctx, models.NewGovernanceTask{Title: "x", Priority: models.TaskPriorityLow, RefType: models.TaskRefAirlockItem}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("ref type without id: %v", err)
	}

	first, err := gov.Raise(f.ctx, models.NewGovernanceTask{Title: "Check custody statement", Priority: models.TaskPriorityMedium, RefType: models.TaskRefAirlockItem, RefId: 31})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	// Same reference again: no deduplication.
	second, err := gov.Raise(f.ctx, models.NewGovernanceTask{Title: "Check custody statement", Priority: models.TaskPriorityMedium, RefType: models.TaskRefAirlockItem, RefId: 31})
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if first.ID == second.ID || first.Status != models.TaskStatusOpen {
		t.Fatalf("tasks = %+v %+v", first, second)
	}

	resolved, err := gov.Resolve(f.ctx, first.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != models.TaskStatusResolved || resolved.ClosedAt == nil {
		t.Fatalf("resolved = %+v", resolved)
	}
	if _, err := gov.Dismiss(f.ctx, first.ID); !errors.Is(err, models.ErrAlreadyClosed) {
		t.Fatalf("dismiss resolved: %v", err)
	}
	if _, err := gov.Dismiss(f.ctx, second.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if _, err := gov.Resolve(f.ctx, second.ID); !errors.Is(err, models.ErrAlreadyClosed) {
		t.Fatalf("resolve dismissed: %v", err)
	}
	if _, err := gov.Resolve(f.ctx, 9999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown task: %v", err)
	}
	open, err := gov.ListOpen(f.ctx)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open = %d", len(open))
	}
}

func TestGovernance_ListOpenOrder(t *testing.T) {
	f := newFixture(t)
	base := testNow.Add(-time.Hour)
	seed := []models.GovernanceTask{
		{Title: "low old", Priority: models.TaskPriorityLow, CreatedAt: base},
		{Title: "critical old", Priority: models.TaskPriorityCritical, CreatedAt: base},
		{Title: "high new", Priority: models.TaskPriorityHigh, CreatedAt: base.Add(10 * time.Minute)},
		{Title: "high old", Priority: models.TaskPriorityHigh, CreatedAt: base},
		{Title: "high old twin", Priority: models.TaskPriorityHigh, CreatedAt: base},
		{Title: "odd", Priority: "SOMEDAY", CreatedAt: base.Add(time.Hour)},
		{Title: "closed", Priority: models.TaskPriorityCritical, Status: models.TaskStatusResolved, CreatedAt: base},
	}
	ids := map[string]int{}
	for i := range seed {
		if seed[i].Status == "" {
			seed[i].Status = models.TaskStatusOpen
		}
		if err := f.db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids[seed[i].Title] = seed[i].ID
	}

	open, err := f.engine.Governance.ListOpen(f.ctx)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	want := []string{"critical old", "high new", "high old twin", "high old", "low old", "odd"}
	if len(open) != len(want) {
		t.Fatalf("open = %d, want %d", len(open), len(want))
	}
	for i, title := range want {
		if open[i].ID != ids[title] {
			t.Fatalf("position %d: got %q, want %q", i, open[i].Title, title)
		}
	}
}

func TestGovernance_SweepOverdue(t *testing.T) {
	f := newFixture(t)
	gov := f.engine.Governance
	past := testNow.Add(-time.Hour)
	future := testNow.Add(time.Hour)
	raise := func(title string, p models.TaskPriority, due time.Time) *models.GovernanceTask {
		task, err := gov.Raise(f.ctx, models.NewGovernanceTask{Title: title, Priority: p, DueDate: &due})
		if err != nil {
			t.Fatalf("Raise: %v", err)
		}
		return task
	}
	low := raise("low", models.TaskPriorityLow, past)
	critical := raise("critical", models.TaskPriorityCritical, past)
	raise("not due", models.TaskPriorityLow, future)

	res, err := gov.SweepOverdue(f.ctx, testNow)
	if err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if res.Overdue != 2 || len(res.Escalated) != 1 || res.Escalated[0] != low.ID {
		t.Fatalf("first sweep = %+v", res)
	}
	got, _ := gov.GetTask(f.ctx, low.ID)
	if got.Priority != models.TaskPriorityMedium || got.EscalatedAt == nil || got.DueDate == nil {
		t.Fatalf("low after sweep = %+v", got)
	}
	if c, _ := gov.GetTask(f.ctx, critical.ID); c.Priority != models.TaskPriorityCritical {
		t.Fatalf("critical changed to %s", c.Priority)
	}

	// Within the cooldown: still overdue, not bumped again.
	res, err = gov.SweepOverdue(f.ctx, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if res.Overdue != 2 || len(res.Escalated) != 0 {
		t.Fatalf("second sweep = %+v", res)
	}

	res, err = gov.SweepOverdue(f.ctx, testNow.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	// The cooldown has passed for "low" and "not due" is now overdue as well.
	if res.Overdue != 3 || len(res.Escalated) != 2 {
		t.Fatalf("third sweep = %+v", res)
	}
	if got, _ := gov.GetTask(f.ctx, low.ID); got.Priority != models.TaskPriorityHigh {
		t.Fatalf("low after third sweep = %s", got.Priority)
	}
	if n := f.count(t, &models.OutboxMessage{}, "event_type = ?", models.EventGovernanceOverdue); n != 3 {
		t.Fatalf("overdue notifications = %d", n)
	}
}

func TestGovernance_SweepWithNothingOverdue(t *testing.T) {
	f := newFixture(t)
	due := testNow.Add(time.Hour)
	if _, err := f.engine.Governance.Raise(f.ctx, models.NewGovernanceTask{Title: "later", Priority: models.TaskPriorityLow, DueDate: &due}); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	res, err := f.engine.Governance.SweepOverdue(f.ctx, testNow)
	if err != nil {
		t.Fatalf("SweepOverdue: %v", err)
	}
	if res.Overdue != 0 || len(res.Escalated) != 0 {
		t.Fatalf("sweep = %+v", res)
	}
	if n := f.count(t, &models.OutboxMessage{}, "event_type = ?", models.EventGovernanceOverdue); n != 0 {
		t.Fatalf("notifications = %d", n)
	}
}
