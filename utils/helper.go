package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/vault_backend/config"
)

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// TruncateToDay returns midnight UTC of t's UTC calendar day. Ledger dates have day precision.
func TruncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD or RFC3339.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty date string")
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

var ErrLockNotObtained = errors.New("could not obtain lock")

// DocumentLock obtains a short-lived Redis lock for one document. The returned release
// func is never nil. When Redis is not connected the lock is skipped; callers rely on
// database state for correctness.
func DocumentLock(ctx context.Context, documentId int, lockType string, moduleName string, functionName string) (func(), error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		logger.WithField("document_id", documentId).Debug("redis lock not initialized; continuing without lock")
		return func() {}, nil
	}
	lockKey := fmt.Sprintf("%s:%d", lockType, documentId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for document", documentId, err)
		return func() {}, ErrLockNotObtained
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for document", documentId, err)
		return func() {}, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}
