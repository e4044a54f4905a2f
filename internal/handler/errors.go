package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/middleware"
	"audit-ledger-service/pkg/httputil"
)

var (
	errUnauthenticated = errors.New("authenticated user is required")
	errSignerMismatch  = errors.New("signer must be the authenticated user")
	errInvalidRequest  = errors.New("invalid request")
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings は判定順に並べる。より具体的なエラーを先に置く。
var errorMappings = []errorMapping{
	{errInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST", ""},
	{domain.ErrInvalidDraft, http.StatusBadRequest, "INVALID_DRAFT", ""},
	{domain.ErrUnmappedAction, http.StatusBadRequest, "UNMAPPED_ACTION", ""},
	{domain.ErrInvalidRange, http.StatusBadRequest, "INVALID_RANGE", ""},
	{domain.ErrInvalidSignatureRequest, http.StatusBadRequest, "INVALID_SIGNATURE_REQUEST", ""},
	{domain.ErrUnsupportedAlgorithm, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", ""},
	{errUnauthenticated, http.StatusUnauthorized, "UNAUTHENTICATED", "authenticated user is required"},
	{domain.ErrInvalidCredential, http.StatusUnauthorized, "INVALID_CREDENTIAL", "invalid credential"},
	{errSignerMismatch, http.StatusForbidden, "SIGNER_MISMATCH", "signer must be the authenticated user"},
	{domain.ErrEntryNotFound, http.StatusNotFound, "ENTRY_NOT_FOUND", "audit entry not found"},
	{domain.ErrCertificateNotFound, http.StatusNotFound, "CERTIFICATE_NOT_FOUND", "certificate not found"},
	{domain.ErrSignatureNotFound, http.StatusNotFound, "SIGNATURE_NOT_FOUND", "signature not found"},
	{domain.ErrCertificateExpired, http.StatusPreconditionFailed, "CERTIFICATE_EXPIRED", "signing certificate has expired"},
	{domain.ErrCertificateRevoked, http.StatusPreconditionFailed, "CERTIFICATE_REVOKED", "signing certificate has been revoked"},
	{domain.ErrCertificateUnavailable, http.StatusPreconditionFailed, "NO_ACTIVE_CERTIFICATE", "no active signing certificate"},
	{domain.ErrConcurrencyConflict, http.StatusConflict, "CONCURRENCY_CONFLICT", "too many concurrent appends, retry later"},
	{domain.ErrIdempotencyKeyReused, http.StatusConflict, "IDEMPOTENCY_KEY_REUSED", "idempotency key was used with different content"},
	{domain.ErrCertificateConflict, http.StatusConflict, "CERTIFICATE_CONFLICT", "concurrent certificate issuance, retry later"},
}

// ViolationResponse は整合性違反の詳細。
type ViolationResponse struct {
	AtSequence int64  `json:"at_sequence"`
	Reason     string `json:"reason"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

func newViolationResponse(v *domain.IntegrityViolation) *ViolationResponse {
	return &ViolationResponse{
		AtSequence: v.AtSequence,
		Reason:     string(v.Reason),
		Expected:   v.Expected,
		Actual:     v.Actual,
	}
}

// writeError はドメインエラーをHTTPステータスとエラーコードに変換して返し、操作ログを出力する。
// messageが空のマッピングはエラー文字列をそのまま返す（入力エラーのみ）。
func writeError(w http.ResponseWriter, r *http.Request, operation string, err error, attrs ...any) {
	ctx := r.Context()
	middleware.WriteOperationLog(ctx, operation, middleware.ResultFailed, append(attrs, "error", err)...)

	var violation *domain.IntegrityViolation
	if errors.As(err, &violation) {
		httputil.ErrorWithDetails(w, http.StatusConflict, "INTEGRITY_VIOLATION", violation.Error(), newViolationResponse(violation))
		return
	}

	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = err.Error()
		}
		httputil.Error(w, m.status, m.code, message)
		return
	}

	slog.ErrorContext(ctx, "unhandled error", "operation", operation, "error", err)
	httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
}
