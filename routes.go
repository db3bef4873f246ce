package main

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/middlewares"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/reports"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// api serves the engine over HTTP. The engine is set once the database is connected.
type api struct {
	logger *logrus.Logger
	state  atomic.Pointer[apiState]
}

type apiState struct {
	engine *workflow.Engine
	db     *gorm.DB
}

func (a *api) setEngine(e *workflow.Engine, db *gorm.DB) {
	a.state.Store(&apiState{engine: e, db: db})
}

func (a *api) engine() *workflow.Engine {
	if s := a.state.Load(); s != nil {
		return s.engine
	}
	return nil
}

func (a *api) db() *gorm.DB {
	if s := a.state.Load(); s != nil {
		return s.db
	}
	return nil
}

func (a *api) register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	ledger := r.Group("/ledger")
	ledger.POST("/transactions", a.postTransaction)
	ledger.POST("/transfers", a.postTransfer)
	ledger.GET("/transactions/:id", a.getTransaction)
	ledger.POST("/transactions/:id/reverse", a.reverseTransaction)
	ledger.GET("/history", a.getHistory)
	ledger.GET("/history/export", a.exportHistory)

	r.GET("/assets/:id/balance", a.getBalance)
	r.GET("/entities/:id/net-worth", a.getNetWorth)

	airlock := r.Group("/airlock")
	airlock.POST("", a.receiveDocument)
	airlock.GET("/:id", a.getAirlockItem)
	airlock.POST("/:id/processing", a.markProcessing)
	airlock.POST("/:id/extraction", a.markExtracted)
	airlock.POST("/:id/failure", a.markFailed)

	r.POST("/pubsub/extraction", a.extractionPushHandler)

	ghosts := r.Group("/ghost-entries")
	ghosts.GET("", a.listGhostEntries)
	ghosts.GET("/:id", a.getGhostEntry)
	ghosts.POST("/:id/confirm", a.confirmGhostEntry)
	ghosts.POST("/:id/reject", a.rejectGhostEntry)

	governance := r.Group("/governance")
	governance.GET("/tasks", a.listOpenTasks)
	governance.POST("/tasks", a.raiseTask)
	governance.GET("/tasks/:id", a.getTask)
	governance.POST("/tasks/:id/resolve", a.resolveTask)
	governance.POST("/tasks/:id/dismiss", a.dismissTask)
	governance.POST("/sweep", middlewares.AdminOnly(), a.sweepOverdue)

	ops := r.Group("/internal/ops", middlewares.AdminOnly())
	ops.POST("/outbox/replay", a.replayOutbox)
	ops.POST("/consistency-check", a.consistencyCheck)
}

// fail writes err as {"error","code","details"}. Errors that are not CoreErrors are 500s.
func fail(c *gin.Context, err error) {
	if ce, ok := models.AsCoreError(err); ok {
		if ce.HTTPStatus() >= http.StatusInternalServerError {
			_ = c.Error(err)
		}
		body := gin.H{"error": ce.Error(), "code": ce.Code}
		if len(ce.Details) > 0 {
			body["details"] = ce.Details
		}
		c.JSON(ce.HTTPStatus(), body)
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "INTERNAL"})
}

func badRequest(c *gin.Context, format string, args ...any) {
	fail(c, models.NewValidationError(format, args...))
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		badRequest(c, "invalid id %q", c.Param("id"))
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		badRequest(c, "invalid request body: %s", err.Error())
		return false
	}
	return true
}

// optionalDate parses a YYYY-MM-DD or RFC3339 value; empty means nil.
func optionalDate(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := utils.ParseDate(value)
	if err != nil {
		return nil, models.NewValidationError("invalid date %q", value)
	}
	return &t, nil
}

func requiredDate(value string) (time.Time, error) {
	t, err := optionalDate(value)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, models.NewValidationError("date is required")
	}
	return *t, nil
}

func optionalIntQuery(c *gin.Context, key string) (*int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, models.NewValidationError("invalid %s %q", key, v)
	}
	return &n, nil
}

// Ledger

type transactionRequest struct {
	Description string             `json:"description"`
	Date        string             `json:"date"`
	Lines       []models.LineInput `json:"lines"`
}

func (a *api) postTransaction(c *gin.Context) {
	var req transactionRequest
	if !bindJSON(c, &req) {
		return
	}
	date, err := requiredDate(req.Date)
	if err != nil {
		fail(c, err)
		return
	}
	txn, err := a.engine().Ledger.PostTransaction(c.Request.Context(), models.NewTransaction{
		Description: req.Description,
		Date:        date,
		Lines:       req.Lines,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

type transferRequest struct {
	Description        string          `json:"description"`
	Date               string          `json:"date"`
	Amount             decimal.Decimal `json:"amount"`
	SourceAssetId      int             `json:"source_asset_id"`
	DestinationAssetId int             `json:"destination_asset_id"`
}

func (a *api) postTransfer(c *gin.Context) {
	var req transferRequest
	if !bindJSON(c, &req) {
		return
	}
	date, err := requiredDate(req.Date)
	if err != nil {
		fail(c, err)
		return
	}
	txn, err := a.engine().Ledger.PostTransfer(c.Request.Context(), models.NewTransfer{
		Description:        req.Description,
		Date:               date,
		Amount:             req.Amount,
		SourceAssetId:      req.SourceAssetId,
		DestinationAssetId: req.DestinationAssetId,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (a *api) getTransaction(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	txn, err := a.engine().Ledger.GetTransaction(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *api) reverseTransaction(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	rev, err := a.engine().Ledger.ReverseTransaction(c.Request.Context(), id, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rev)
}

func historyFilter(c *gin.Context) (models.HistoryFilter, error) {
	var f models.HistoryFilter
	var err error
	if f.AssetId, err = optionalIntQuery(c, "asset_id"); err != nil {
		return f, err
	}
	if f.EntityId, err = optionalIntQuery(c, "entity_id"); err != nil {
		return f, err
	}
	if f.From, err = optionalDate(c.Query("from")); err != nil {
		return f, err
	}
	if f.To, err = optionalDate(c.Query("to")); err != nil {
		return f, err
	}
	if v, err := optionalIntQuery(c, "limit"); err != nil {
		return f, err
	} else if v != nil {
		f.Limit = *v
	}
	if v, err := optionalIntQuery(c, "offset"); err != nil {
		return f, err
	} else if v != nil {
		f.Offset = *v
	}
	return f, nil
}

func (a *api) getHistory(c *gin.Context) {
	f, err := historyFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	txns, err := a.engine().Ledger.GetHistory(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

func (a *api) exportHistory(c *gin.Context) {
	f, err := historyFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	ctx := c.Request.Context()
	ledger := a.engine().Ledger
	txns, err := ledger.GetHistory(ctx, f)
	if err != nil {
		fail(c, err)
		return
	}
	var assetIds []int
	for _, t := range txns {
		for _, l := range t.Lines {
			assetIds = append(assetIds, l.AssetId)
		}
	}
	assets, err := ledger.GetAssets(ctx, assetIds)
	if err != nil {
		fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := reports.WriteHistoryXLSX(&buf, txns, assets); err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "history.xlsx"))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (a *api) getBalance(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	asOf, err := optionalDate(c.Query("as_of"))
	if err != nil {
		fail(c, err)
		return
	}
	bal, err := a.engine().Ledger.GetBalance(c.Request.Context(), id, asOf)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (a *api) getNetWorth(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	asOf, err := optionalDate(c.Query("as_of"))
	if err != nil {
		fail(c, err)
		return
	}
	nw, err := a.engine().Ledger.GetNetWorth(c.Request.Context(), id, asOf)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nw)
}

// Airlock

func (a *api) receiveDocument(c *gin.Context) {
	var req models.NewAirlockItem
	if !bindJSON(c, &req) {
		return
	}
	if req.UploaderId == "" {
		req.UploaderId, _ = utils.GetCallerIdFromContext(c.Request.Context())
	}
	item, err := a.engine().Ingestion.Receive(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (a *api) getAirlockItem(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	item, err := a.engine().Ingestion.GetItem(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (a *api) markProcessing(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	item, err := a.engine().Ingestion.MarkProcessing(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type extractionRequest struct {
	CandidateLines []models.LineInput `json:"candidate_lines"`
	Confidence     float64            `json:"confidence"`
	Description    string             `json:"description"`
	Date           string             `json:"date"`
}

func (a *api) markExtracted(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req extractionRequest
	if !bindJSON(c, &req) {
		return
	}
	date, err := optionalDate(req.Date)
	if err != nil {
		fail(c, err)
		return
	}
	ghost, err := a.engine().Ingestion.MarkExtractedDetails(c.Request.Context(), id, models.Extraction{
		Lines:       req.CandidateLines,
		Confidence:  req.Confidence,
		Description: req.Description,
		Date:        date,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ghost)
}

type failureRequest struct {
	Detail string `json:"detail"`
}

func (a *api) markFailed(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req failureRequest
	if !bindJSON(c, &req) {
		return
	}
	item, err := a.engine().Ingestion.MarkFailed(c.Request.Context(), id, req.Detail)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Ghost entries

func (a *api) listGhostEntries(c *gin.Context) {
	var f models.GhostEntryFilter
	if err := c.ShouldBindQuery(&f); err != nil {
		badRequest(c, "invalid query: %s", err.Error())
		return
	}
	ghosts, err := a.engine().Reconciler.ListGhostEntries(c.Request.Context(), f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ghost_entries": ghosts})
}

func (a *api) getGhostEntry(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	ghost, err := a.engine().Reconciler.GetGhostEntry(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ghost)
}

type confirmRequest struct {
	Lines []models.LineInput `json:"lines"`
}

func (a *api) confirmGhostEntry(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req confirmRequest
	// The body is optional; an empty body confirms the candidate lines as extracted.
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	txn, err := a.engine().Reconciler.Confirm(c.Request.Context(), id, req.Lines)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (a *api) rejectGhostEntry(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	ghost, err := a.engine().Reconciler.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ghost)
}

// Governance

func (a *api) listOpenTasks(c *gin.Context) {
	tasks, err := a.engine().Governance.ListOpen(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type taskRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Priority    models.TaskPriority `json:"priority"`
	AssetId     *int                `json:"asset_id"`
	RefType     models.TaskRefType  `json:"ref_type"`
	RefId       int                 `json:"ref_id"`
	DueDate     string              `json:"due_date"`
}

func (a *api) raiseTask(c *gin.Context) {
	var req taskRequest
	if !bindJSON(c, &req) {
		return
	}
	due, err := optionalDate(req.DueDate)
	if err != nil {
		fail(c, err)
		return
	}
	task, err := a.engine().Governance.Raise(c.Request.Context(), models.NewGovernanceTask{
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AssetId:     req.AssetId,
		RefType:     req.RefType,
		RefId:       req.RefId,
		DueDate:     due,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (a *api) getTask(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	task, err := a.engine().Governance.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *api) resolveTask(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	task, err := a.engine().Governance.Resolve(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *api) dismissTask(c *gin.Context) {
	id, ok := pathId(c)
	if !ok {
		return
	}
	task, err := a.engine().Governance.Dismiss(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (a *api) sweepOverdue(c *gin.Context) {
	governance := a.engine().Governance
	now := time.Now()
	if governance.Now != nil {
		now = governance.Now()
	}
	res, err := governance.SweepOverdue(c.Request.Context(), now)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Ops

type replayRequest struct {
	Ids []int `json:"ids"`
}

func (a *api) replayOutbox(c *gin.Context) {
	var req replayRequest
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}
	n, err := workflow.ReplayOutbox(c.Request.Context(), a.db(), req.Ids)
	if err != nil {
		fail(c, err)
		return
	}
	a.logger.WithFields(logrus.Fields{
		"field":    "outbox",
		"replayed": n,
	}).Info("outbox rows reset to PENDING")
	c.JSON(http.StatusOK, gin.H{"replayed": n})
}

func (a *api) consistencyCheck(c *gin.Context) {
	found, err := a.engine().Consistency.CheckConsistency(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": len(found), "reports": found})
}
