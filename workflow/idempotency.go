package workflow

import (
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/vault_backend/models"
	"gorm.io/gorm"
)

// ErrDeliveryInProgress means another worker is applying the same message. The broker
// should redeliver later.
var ErrDeliveryInProgress = errors.New("delivery in progress")

// A STARTED delivery older than this is assumed to belong to a crashed worker.
const staleDeliveryAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// sqlite reports constraint violations as plain text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// claimDelivery records that handler is applying messageId. done is true when an earlier
// delivery of the message already succeeded. A FAILED or stale STARTED record is taken over
// with a compare-and-swap on its attempt counter, so two workers never both win it.
func claimDelivery(db *gorm.DB, handler, messageId string) (done bool, err error) {
	rec := models.IdempotencyKey{
		HandlerName: handler,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
		Attempts:    1,
	}
	err = db.Create(&rec).Error
	if err == nil {
		return false, nil
	}
	if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := db.Where("handler_name = ? AND message_id = ?", handler, messageId).First(&existing).Error; err != nil {
		return false, err
	}
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// updated_at is written with the connection clock, so age is measured with it too.
		if db.NowFunc().Sub(existing.UpdatedAt) < staleDeliveryAfter {
			return false, ErrDeliveryInProgress
		}
	}
	res := db.Model(&models.IdempotencyKey{}).
		Where("id = ? AND status = ? AND attempts = ?", existing.ID, existing.Status, existing.Attempts).
		Updates(map[string]interface{}{
			"status":     models.IdempotencyStatusStarted,
			"attempts":   existing.Attempts + 1,
			"last_error": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, ErrDeliveryInProgress
	}
	return false, nil
}

// settleDelivery closes a claimed delivery: SUCCEEDED when cause is nil, FAILED otherwise.
func settleDelivery(db *gorm.DB, handler, messageId string, cause error) error {
	updates := map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}
	if cause != nil {
		msg := cause.Error()
		updates = map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}
	}
	return db.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ? AND status = ?", handler, messageId, models.IdempotencyStatusStarted).
		Updates(updates).Error
}
