package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/utils"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/sirupsen/logrus"
)

// PubSubMessage is the push envelope delivered by a Pub/Sub push subscription.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data,omitempty"`
		ID         string            `json:"id"`
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// extractionPushHandler applies extraction results. 204 acks the message; any other
// status makes Pub/Sub redeliver it.
func (a *api) extractionPushHandler(c *gin.Context) {
	var msg PubSubMessage
	logger := a.logger

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		config.LogError(logger, "pubsubHandler.go", "extractionPushHandler", "io.ReadAll", nil, err)
		// Malformed request body: ack/drop to avoid infinite retries.
		c.Status(http.StatusNoContent)
		return
	}

	// byte slice unmarshalling handles base64 decoding.
	if err := json.Unmarshal(body, &msg); err != nil {
		config.LogError(logger, "pubsubHandler.go", "extractionPushHandler", "Unmarshal body", string(body), err)
		c.Status(http.StatusNoContent)
		return
	}
	if msg.Message.ID == "" {
		config.LogError(logger, "pubsubHandler.go", "extractionPushHandler", "Invalid pubsub message (missing id)", msg.Subscription, errors.New("message id required"))
		c.Status(http.StatusNoContent)
		return
	}

	var res models.ExtractionResult
	if err := utils.UnmarshalFromJSON(msg.Message.Data, &res); err != nil {
		config.LogError(logger, "pubsubHandler.go", "extractionPushHandler", "Unmarshal extraction result", string(msg.Message.Data), err)
		c.Status(http.StatusNoContent)
		return
	}

	correlationId := msg.Message.Attributes["correlation_id"]
	if correlationId == "" {
		correlationId = msg.Message.ID
	}
	ctx := utils.SetCorrelationIdInContext(c.Request.Context(), correlationId)

	err = a.engine().Ingestion.HandleExtractionCallback(ctx, msg.Message.ID, res)
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	fields := logrus.Fields{
		"field":          "extractionPushHandler",
		"document_id":    res.DocumentId,
		"message_id":     msg.Message.ID,
		"correlation_id": correlationId,
	}
	if errors.Is(err, workflow.ErrDeliveryInProgress) || models.IsRetryable(err) {
		logger.WithFields(fields).Warn("extraction callback will be retried: " + err.Error())
		c.Status(http.StatusInternalServerError)
		return
	}
	if _, ok := models.AsCoreError(err); ok {
		// Validation, state machine and not-found failures never succeed on redelivery.
		logger.WithFields(fields).Error("extraction callback dropped: " + err.Error())
		c.Status(http.StatusNoContent)
		return
	}
	logger.WithFields(fields).Error("extraction callback failed: " + err.Error())
	c.Status(http.StatusInternalServerError)
}
