package infra

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"audit-ledger-service/internal/domain"
)

// LogAlerter は整合性違反をERRORログとスパンイベントで通知する。
// ログはalert=integrity_violationで検索・通知ルールに掛けられる。
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter は新しいLogAlerterを生成する。loggerがnilの場合はデフォルトロガーを使う。
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlerter{logger: logger}
}

// AlertIntegrityViolation は違反を通知する。
func (a *LogAlerter) AlertIntegrityViolation(ctx context.Context, v *domain.IntegrityViolation) {
	trace.SpanFromContext(ctx).AddEvent("integrity_violation", trace.WithAttributes(
		attribute.Int64("audit.sequence_number", v.AtSequence),
		attribute.String("audit.violation_reason", string(v.Reason)),
	))
	a.logger.ErrorContext(ctx, "audit chain integrity violation",
		"alert", "integrity_violation",
		"at_sequence", v.AtSequence,
		"reason", v.Reason,
		"expected", v.Expected,
		"actual", v.Actual,
	)
}
