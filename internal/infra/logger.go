package infra

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"audit-ledger-service/config"
)

// TraceHandler はスパンのトレースIDをログに付与するslogハンドラ。
// Cloud Loggingでトレースとログを関連付けるためのフィールドも付与する。
type TraceHandler struct {
	slog.Handler
	projectID string
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
func NewTraceHandler(handler slog.Handler, projectID string) *TraceHandler {
	return &TraceHandler{Handler: handler, projectID: projectID}
}

// Handle はスパンが有効な場合にトレース情報を付与してからログを出力する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID := sc.TraceID().String()
		r.AddAttrs(
			slog.String("trace", traceID),
			slog.String("spanId", sc.SpanID().String()),
			slog.Bool("traceSampled", sc.IsSampled()),
		)
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", sc.SpanID().String()),
			)
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs), projectID: h.projectID}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name), projectID: h.projectID}
}

// ParseLevel はLOG_LEVELの値をslog.Levelに変換する。不明な値はINFOとする。
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SetupLogger はJSON形式のグローバルロガーを設定する。トレーシング有効時はトレース情報を付与する。
func SetupLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)})
	if cfg.OtelEnabled {
		handler = NewTraceHandler(handler, cfg.GoogleCloudProject)
	}
	logger := slog.New(handler).With("service", cfg.OtelServiceName)
	slog.SetDefault(logger)
	return logger
}
