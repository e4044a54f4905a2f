// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// 操作ログの結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteOperationLog はAPI操作の結果を1行のログとして出力する。
// 認証済みの利用者がいればその情報も付与する。
func WriteOperationLog(ctx context.Context, operation, result string, attrs ...any) {
	args := []any{
		"operation", operation,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	}
	if id, ok := IdentityFromContext(ctx); ok {
		args = append(args, "user_id", id.UserID, "session_id", id.SessionID)
	}
	args = append(args, attrs...)

	level := slog.LevelInfo
	if result != ResultSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "audit api operation completed", args...)
}
