package utils

import (
	"context"

	"github.com/mmdatafocus/vault_backend/appctx"
)

type contextKey = appctx.ContextKey

var (
	ContextKeyCallerId      = appctx.ContextKeyCallerId
	ContextKeyCallerName    = appctx.ContextKeyCallerName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsAdmin       = appctx.ContextKeyIsAdmin
)

func GetCallerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCallerId)
}

func SetCallerIdInContext(ctx context.Context, callerId string) context.Context {
	return appctx.Set(ctx, ContextKeyCallerId, callerId)
}

func GetCallerNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCallerName)
}

func SetCallerNameInContext(ctx context.Context, name string) context.Context {
	return appctx.Set(ctx, ContextKeyCallerName, name)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}
