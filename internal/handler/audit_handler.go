// Package handler はHTTPハンドラを提供する。
package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/middleware"
	"audit-ledger-service/internal/usecase"
	"audit-ledger-service/pkg/httputil"
)

// HeaderIdempotencyKey はエントリ追記の冪等キーを指定するヘッダー。
const HeaderIdempotencyKey = "Idempotency-Key"

// AuditHandler は監査証跡APIのハンドラを提供する。
type AuditHandler struct {
	gateway *usecase.AuditGateway
	ledger  *usecase.LedgerService
}

// NewAuditHandler は新しいAuditHandlerを生成する。
func NewAuditHandler(gateway *usecase.AuditGateway, ledger *usecase.LedgerService) *AuditHandler {
	return &AuditHandler{gateway: gateway, ledger: ledger}
}

// CreateEntryRequest はエントリ追記のリクエスト形式。状態スナップショットは任意のJSON値。
type CreateEntryRequest struct {
	Event           string          `json:"event"`
	ActorID         string          `json:"actor_id"`
	SubjectTable    string          `json:"subject_table"`
	SubjectRecordID string          `json:"subject_record_id"`
	BeforeState     json.RawMessage `json:"before_state,omitempty"`
	AfterState      json.RawMessage `json:"after_state,omitempty"`
	Reason          string          `json:"reason"`
	IdempotencyKey  string          `json:"idempotency_key"`
}

// CreateEntryResponse はエントリ追記のレスポンス形式。
type CreateEntryResponse struct {
	SequenceNumber int64 `json:"sequence_number"`
}

// EntryResponse は監査エントリのレスポンス形式。
type EntryResponse struct {
	SequenceNumber  int64           `json:"sequence_number"`
	ActorID         *string         `json:"actor_id"`
	SessionID       *string         `json:"session_id"`
	ActionType      string          `json:"action_type"`
	SubjectTable    string          `json:"subject_table"`
	SubjectRecordID string          `json:"subject_record_id"`
	BeforeState     json.RawMessage `json:"before_state"`
	AfterState      json.RawMessage `json:"after_state"`
	Timestamp       string          `json:"timestamp"`
	ClientAddress   string          `json:"client_address,omitempty"`
	ClientAgent     string          `json:"client_agent,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	ContentHash     string          `json:"content_hash"`
	PreviousHash    string          `json:"previous_hash"`
}

// EntryListResponse はエントリ一覧のレスポンス形式。
type EntryListResponse struct {
	Entries    []EntryResponse `json:"entries"`
	NextCursor int64           `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// VerificationResponse はチェーン検証のレスポンス形式。
type VerificationResponse struct {
	Verified       bool   `json:"verified"`
	FromSequence   int64  `json:"from_sequence"`
	ToSequence     int64  `json:"to_sequence"`
	EntriesChecked int64  `json:"entries_checked"`
	VerifiedAt     string `json:"verified_at"`
}

// stateJSON は状態スナップショットをレスポンス用に変換する。JSONでない値はbase64文字列にする。
func stateJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return encoded
}

func stateBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

func newEntryResponse(e *domain.AuditEntry) EntryResponse {
	return EntryResponse{
		SequenceNumber:  e.SequenceNumber,
		ActorID:         e.ActorID,
		SessionID:       e.SessionID,
		ActionType:      e.ActionType,
		SubjectTable:    e.SubjectTable,
		SubjectRecordID: e.SubjectRecordID,
		BeforeState:     stateJSON(e.BeforeState),
		AfterState:      stateJSON(e.AfterState),
		Timestamp:       e.Timestamp.Format(time.RFC3339Nano),
		ClientAddress:   e.Context.ClientAddress,
		ClientAgent:     e.Context.ClientAgent,
		Reason:          e.Context.Reason,
		ContentHash:     e.ContentHash,
		PreviousHash:    e.PreviousHash,
	}
}

func parseSequence(s string) (int64, error) {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 1 {
		return 0, fmt.Errorf("%w: invalid sequence number %q", errInvalidRequest, s)
	}
	return seq, nil
}

func parseOptionalInt(r *http.Request, key string) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", errInvalidRequest, key, v)
	}
	return n, nil
}

func parseOptionalTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", errInvalidRequest, key)
	}
	return &t, nil
}

// CreateEntry はアプリケーションのイベントを台帳に追記する。
// 認証済みの利用者がいれば、その利用者とセッションを操作者として記録する。
func (h *AuditHandler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	const operation = "CREATE_ENTRY"

	var req CreateEntryRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, operation, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	ev := usecase.AuditEvent{
		Event:           req.Event,
		ActorID:         req.ActorID,
		SubjectTable:    req.SubjectTable,
		SubjectRecordID: req.SubjectRecordID,
		BeforeState:     stateBytes(req.BeforeState),
		AfterState:      stateBytes(req.AfterState),
		Context: domain.EntryContext{
			ClientAddress: r.RemoteAddr,
			ClientAgent:   r.UserAgent(),
			Reason:        req.Reason,
		},
		IdempotencyKey: req.IdempotencyKey,
	}
	if id, ok := middleware.IdentityFromContext(r.Context()); ok {
		ev.ActorID = id.UserID
		ev.SessionID = id.SessionID
	}
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		ev.IdempotencyKey = key
	}

	seq, err := h.gateway.CreateEntry(r.Context(), ev)
	if err != nil {
		writeError(w, r, operation, err, "event", req.Event)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess, "sequence_number", seq)
	httputil.JSON(w, http.StatusCreated, CreateEntryResponse{SequenceNumber: seq})
}

// ListEntries はフィルタ条件に一致するエントリを1ページ分返す。
func (h *AuditHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	const operation = "QUERY_TRAIL"

	q := r.URL.Query()
	filter := domain.AuditFilter{
		ActorID:         q.Get("actor_id"),
		ActionType:      q.Get("action_type"),
		SubjectTable:    q.Get("subject_table"),
		SubjectRecordID: q.Get("subject_record_id"),
		Ascending:       q.Get("order") == "asc",
	}
	var err error
	if filter.From, err = parseOptionalTime(r, "from"); err != nil {
		writeError(w, r, operation, err)
		return
	}
	if filter.To, err = parseOptionalTime(r, "to"); err != nil {
		writeError(w, r, operation, err)
		return
	}
	if filter.Cursor, err = parseOptionalInt(r, "cursor"); err != nil {
		writeError(w, r, operation, err)
		return
	}
	limit, err := parseOptionalInt(r, "limit")
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	filter.Limit = int(limit)

	page, err := h.gateway.QueryTrail(r.Context(), filter)
	if err != nil {
		writeError(w, r, operation, err)
		return
	}

	resp := EntryListResponse{
		Entries:    make([]EntryResponse, len(page.Entries)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, e := range page.Entries {
		resp.Entries[i] = newEntryResponse(e)
	}
	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess, "count", len(page.Entries))
	httputil.JSON(w, http.StatusOK, resp)
}

// GetEntry は指定されたシーケンス番号のエントリを返す。
func (h *AuditHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	const operation = "GET_ENTRY"

	seq, err := parseSequence(chi.URLParam(r, "sequence"))
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	entry, err := h.ledger.Get(r.Context(), seq)
	if err != nil {
		writeError(w, r, operation, err, "sequence_number", seq)
		return
	}
	httputil.JSON(w, http.StatusOK, newEntryResponse(entry))
}

// VerifyChain は指定範囲のハッシュチェーンを検証する。違反を検出した場合は409を返す。
func (h *AuditHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	const operation = "VERIFY_CHAIN"

	from, err := parseOptionalInt(r, "from")
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	to, err := parseOptionalInt(r, "to")
	if err != nil {
		writeError(w, r, operation, err)
		return
	}

	result, err := h.gateway.VerifyRange(r.Context(), from, to)
	if err != nil {
		writeError(w, r, operation, err, "from", from, "to", to)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess,
		"from", result.FromSequence, "to", result.ToSequence, "entries_checked", result.EntriesChecked)
	httputil.JSON(w, http.StatusOK, VerificationResponse{
		Verified:       true,
		FromSequence:   result.FromSequence,
		ToSequence:     result.ToSequence,
		EntriesChecked: result.EntriesChecked,
		VerifiedAt:     result.VerifiedAt.Format(time.RFC3339Nano),
	})
}
