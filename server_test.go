package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/middlewares"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

const testOpsToken = "ops-secret"

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	engine *workflow.Engine
	assetA models.Asset
	assetB models.Asset
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("OPS_ADMIN_TOKEN", testOpsToken)
	t.Setenv("RATE_LIMIT_ENABLED", "false")

	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := workflow.NewEngine(db, logger, config.DefaultSettings())
	clock := func() time.Time { return testNow }
	engine.Ledger.Now = clock
	engine.Reconciler.Now = clock
	engine.Ingestion.Now = clock
	engine.Governance.Now = clock

	a := &api{logger: logger}
	a.setEngine(engine, db)
	s := &testServer{router: newRouter(a), db: db, engine: engine}

	entity := models.Entity{Name: "Okafor Trust", Type: models.EntityTypeFamily}
	if err := db.Create(&entity).Error; err != nil {
		t.Fatalf("create entity: %v", err)
	}
	s.assetA = models.Asset{EntityId: entity.ID, Name: "Checking", Type: models.AssetTypeBank, Currency: "USD"}
	s.assetB = models.Asset{EntityId: entity.ID, Name: "Savings", Type: models.AssetTypeBank, Currency: "USD"}
	for _, asset := range []*models.Asset{&s.assetA, &s.assetB} {
		if err := db.Create(asset).Error; err != nil {
			t.Fatalf("create asset: %v", err)
		}
	}
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, want, w.Body.String())
	}
}

func lines(debitAsset, creditAsset int, amount string) []map[string]any {
	return []map[string]any{
		{"asset_id": debitAsset, "amount": amount, "type": "DEBIT"},
		{"asset_id": creditAsset, "amount": "-" + amount, "type": "CREDIT"},
	}
}

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := newRouter(&api{logger: logger})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	expectStatus(t, w, http.StatusNoContent)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/governance/tasks", nil))
	expectStatus(t, w, http.StatusServiceUnavailable)
}

func TestPostTransactionAndBalance(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/ledger/transactions", map[string]any{
		"description": "Move to savings",
		"date":        "2026-03-10",
		"lines":       lines(s.assetB.ID, s.assetA.ID, "250.50"),
	})
	expectStatus(t, w, http.StatusCreated)

	w = s.do(t, http.MethodGet, fmt.Sprintf("/assets/%d/balance", s.assetB.ID), nil)
	expectStatus(t, w, http.StatusOK)
	var bal struct {
		Balance string `json:"balance"`
	}
	decode(t, w, &bal)
	if bal.Balance != "250.5" {
		t.Fatalf("balance = %s, want 250.5", bal.Balance)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/assets/%d/balance?as_of=2026-03-09", s.assetB.ID), nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &bal)
	if bal.Balance != "0" {
		t.Fatalf("balance before posting = %s, want 0", bal.Balance)
	}
}

func TestPostTransactionErrors(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/ledger/transactions", map[string]any{
		"description": "Off by one hundred",
		"date":        "2026-03-10",
		"lines": []map[string]any{
			{"asset_id": s.assetA.ID, "amount": "500", "type": "DEBIT"},
			{"asset_id": s.assetB.ID, "amount": "-400", "type": "CREDIT"},
		},
	})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	var body struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	decode(t, w, &body)
	if body.Code != string(models.CodeUnbalancedTransaction) || body.Details["residual"] != "100" {
		t.Fatalf("unexpected error body: %s", w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/ledger/transactions", map[string]any{
		"description": "No date",
		"lines":       lines(s.assetA.ID, s.assetB.ID, "1"),
	})
	expectStatus(t, w, http.StatusBadRequest)

	w = s.do(t, http.MethodPost, "/ledger/transactions/999/reverse", map[string]any{"reason": "typo"})
	expectStatus(t, w, http.StatusNotFound)

	w = s.do(t, http.MethodGet, "/ledger/transactions/abc", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAirlockToLedgerOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/airlock", map[string]any{"file_path": "statements/march.pdf", "asset_id": s.assetA.ID},
		middlewares.HeaderCallerId, "user-7")
	expectStatus(t, w, http.StatusCreated)
	var item models.AirlockItem
	decode(t, w, &item)
	if item.Status != models.AirlockStatusReceived || item.UploaderId != "user-7" {
		t.Fatalf("unexpected item: %+v", item)
	}

	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/airlock/%d/processing", item.ID), nil), http.StatusOK)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/airlock/%d/extraction", item.ID), map[string]any{
		"candidate_lines": lines(s.assetA.ID, s.assetB.ID, "80"),
		"confidence":      0.93,
		"description":     "Dividend sweep",
		"date":            "2026-03-08",
	})
	expectStatus(t, w, http.StatusCreated)
	var ghost models.GhostEntry
	decode(t, w, &ghost)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/ghost-entries/%d/confirm", ghost.ID), nil)
	expectStatus(t, w, http.StatusCreated)

	w = s.do(t, http.MethodPost, fmt.Sprintf("/ghost-entries/%d/confirm", ghost.ID), nil)
	expectStatus(t, w, http.StatusConflict)
	var body struct {
		Code string `json:"code"`
	}
	decode(t, w, &body)
	if body.Code != string(models.CodeAlreadyResolved) {
		t.Fatalf("code = %s", body.Code)
	}

	w = s.do(t, http.MethodGet, fmt.Sprintf("/airlock/%d", item.ID), nil)
	expectStatus(t, w, http.StatusOK)
	decode(t, w, &item)
	if item.Status != models.AirlockStatusPosted {
		t.Fatalf("item status = %s, want POSTED", item.Status)
	}

	// Illegal transition out of a terminal state.
	w = s.do(t, http.MethodPost, fmt.Sprintf("/airlock/%d/processing", item.ID), nil)
	expectStatus(t, w, http.StatusConflict)
}

func pushEnvelope(t *testing.T, id string, data any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	// []byte marshals as base64, which is what the push envelope carries.
	return map[string]any{
		"message":      map[string]any{"id": id, "data": raw},
		"subscription": "projects/p/subscriptions/extraction-push",
	}
}

func TestExtractionPushHandler(t *testing.T) {
	s := newTestServer(t)
	ctx := testContext(t)

	item, err := s.engine.Ingestion.Receive(ctx, models.NewAirlockItem{FilePath: "receipts/boat.pdf"})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := s.engine.Ingestion.MarkProcessing(ctx, item.ID); err != nil {
		t.Fatalf("processing: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/pubsub/extraction", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	expectStatus(t, w, http.StatusNoContent)

	result := map[string]any{
		"document_id":     item.ID,
		"candidate_lines": lines(s.assetA.ID, s.assetB.ID, "12.34"),
		"confidence":      0.97,
	}
	for i := 0; i < 2; i++ {
		expectStatus(t, s.do(t, http.MethodPost, "/pubsub/extraction", pushEnvelope(t, "push-1", result)), http.StatusNoContent)
	}
	got, err := s.engine.Ingestion.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != models.AirlockStatusMatched {
		t.Fatalf("item status = %s, want MATCHED", got.Status)
	}
	var ghosts int64
	s.db.Model(&models.GhostEntry{}).Where("source_document_id = ?", item.ID).Count(&ghosts)
	if ghosts != 1 {
		t.Fatalf("ghost entries = %d, want 1", ghosts)
	}

	// Unknown documents never succeed on redelivery, so the message is acked.
	missing := map[string]any{"document_id": 4040, "candidate_lines": lines(s.assetA.ID, s.assetB.ID, "1"), "confidence": 0.9}
	expectStatus(t, s.do(t, http.MethodPost, "/pubsub/extraction", pushEnvelope(t, "push-2", missing)), http.StatusNoContent)
}

func TestAdminRoutesRequireOpsToken(t *testing.T) {
	s := newTestServer(t)

	expectStatus(t, s.do(t, http.MethodPost, "/governance/sweep", nil), http.StatusForbidden)
	expectStatus(t, s.do(t, http.MethodPost, "/internal/ops/consistency-check", nil, middlewares.HeaderOpsToken, "wrong"), http.StatusForbidden)

	past := testNow.Add(-time.Hour)
	if _, err := s.engine.Governance.Raise(testContext(t), models.NewGovernanceTask{
		Title: "Late review", Priority: models.TaskPriorityLow, DueDate: &past,
	}); err != nil {
		t.Fatalf("raise: %v", err)
	}

	w := s.do(t, http.MethodPost, "/governance/sweep", nil, middlewares.HeaderOpsToken, testOpsToken)
	expectStatus(t, w, http.StatusOK)
	var res models.SweepResult
	decode(t, w, &res)
	if res.Overdue != 1 || len(res.Escalated) != 1 {
		t.Fatalf("unexpected sweep result: %s", w.Body.String())
	}

	w = s.do(t, http.MethodPost, "/internal/ops/consistency-check", nil, middlewares.HeaderOpsToken, testOpsToken)
	expectStatus(t, w, http.StatusOK)
	var check struct {
		Violations int `json:"violations"`
	}
	decode(t, w, &check)
	if check.Violations != 0 {
		t.Fatalf("violations = %d, want 0", check.Violations)
	}

	w = s.do(t, http.MethodPost, "/internal/ops/outbox/replay", map[string]any{"ids": []int{}}, middlewares.HeaderOpsToken, testOpsToken)
	expectStatus(t, w, http.StatusOK)
}

func TestGovernanceTaskRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/governance/tasks", map[string]any{"title": "Check wire", "priority": "HIGH", "due_date": "2026-03-12"})
	expectStatus(t, w, http.StatusCreated)
	var task models.GovernanceTask
	decode(t, w, &task)

	expectStatus(t, s.do(t, http.MethodPost, "/governance/tasks", map[string]any{"priority": "HIGH"}), http.StatusBadRequest)

	w = s.do(t, http.MethodGet, "/governance/tasks", nil)
	expectStatus(t, w, http.StatusOK)
	var open struct {
		Tasks []models.GovernanceTask `json:"tasks"`
	}
	decode(t, w, &open)
	if len(open.Tasks) != 1 || open.Tasks[0].ID != task.ID {
		t.Fatalf("open tasks = %+v", open.Tasks)
	}

	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/governance/tasks/%d/resolve", task.ID), nil), http.StatusOK)
	expectStatus(t, s.do(t, http.MethodPost, fmt.Sprintf("/governance/tasks/%d/dismiss", task.ID), nil), http.StatusConflict)
}

func TestHistoryExport(t *testing.T) {
	s := newTestServer(t)
	expectStatus(t, s.do(t, http.MethodPost, "/ledger/transfers", map[string]any{
		"description":          "Top up",
		"date":                 "2026-03-01",
		"amount":               "40",
		"source_asset_id":      s.assetA.ID,
		"destination_asset_id": s.assetB.ID,
	}), http.StatusCreated)

	w := s.do(t, http.MethodGet, fmt.Sprintf("/ledger/history?asset_id=%d", s.assetB.ID), nil)
	expectStatus(t, w, http.StatusOK)
	var hist struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	decode(t, w, &hist)
	if len(hist.Transactions) != 1 {
		t.Fatalf("history = %d transactions, want 1", len(hist.Transactions))
	}

	w = s.do(t, http.MethodGet, "/ledger/history/export", nil)
	expectStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Fatalf("export is not a zip container")
	}

	expectStatus(t, s.do(t, http.MethodGet, "/ledger/history?from=yesterday", nil), http.StatusBadRequest)
}

// testContext mirrors testing.T.Context (Go 1.24+): canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
