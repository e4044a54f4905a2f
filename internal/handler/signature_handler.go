package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/middleware"
	"audit-ledger-service/internal/usecase"
	"audit-ledger-service/pkg/httputil"
)

// SignatureHandler は電子署名APIのハンドラを提供する。
type SignatureHandler struct {
	gateway *usecase.AuditGateway
	service *usecase.SignatureService
}

// NewSignatureHandler は新しいSignatureHandlerを生成する。
func NewSignatureHandler(gateway *usecase.AuditGateway, service *usecase.SignatureService) *SignatureHandler {
	return &SignatureHandler{gateway: gateway, service: service}
}

// CreateSignatureRequest は署名作成のリクエスト形式。
// 署名者は認証済みの利用者。SignerIDを指定する場合は利用者と一致しなければならない。
type CreateSignatureRequest struct {
	SignerID         string `json:"signer_id"`
	SignerRole       string `json:"signer_role"`
	CredentialSecret string `json:"credential_secret"`
	Meaning          string `json:"meaning"`
	Reason           string `json:"reason"`
}

// CreateSignatureResponse は署名作成のレスポンス形式。
type CreateSignatureResponse struct {
	SignatureID string `json:"signature_id"`
}

// SignatureResponse は電子署名のレスポンス形式。
type SignatureResponse struct {
	ID             string `json:"id"`
	AuditEntryID   int64  `json:"audit_entry_id"`
	SignerID       string `json:"signer_id"`
	SignerRole     string `json:"signer_role"`
	Meaning        string `json:"meaning"`
	Reason         string `json:"reason,omitempty"`
	Timestamp      string `json:"timestamp"`
	ClientAddress  string `json:"client_address,omitempty"`
	ClientAgent    string `json:"client_agent,omitempty"`
	CertificateID  string `json:"certificate_id"`
	Algorithm      string `json:"algorithm"`
	SignatureValue string `json:"signature_value"`
}

// SignatureListResponse は署名一覧のレスポンス形式。
type SignatureListResponse struct {
	Signatures []SignatureResponse `json:"signatures"`
}

// SignatureVerificationResponse は署名検証のレスポンス形式。
type SignatureVerificationResponse struct {
	Valid     bool              `json:"valid"`
	Signature SignatureResponse `json:"signature"`
}

func newSignatureResponse(s *domain.ElectronicSignature) SignatureResponse {
	return SignatureResponse{
		ID:             s.ID,
		AuditEntryID:   s.AuditEntryID,
		SignerID:       s.SignerID,
		SignerRole:     s.SignerRole,
		Meaning:        s.Meaning,
		Reason:         s.Reason,
		Timestamp:      s.Timestamp.Format(time.RFC3339Nano),
		ClientAddress:  s.Context.ClientAddress,
		ClientAgent:    s.Context.ClientAgent,
		CertificateID:  s.CertificateID,
		Algorithm:      string(s.Algorithm),
		SignatureValue: base64.StdEncoding.EncodeToString(s.SignatureValue),
	}
}

// CreateSignature は監査エントリに認証済み利用者の電子署名を付与する。
func (h *SignatureHandler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	const operation = "CREATE_SIGNATURE"

	seq, err := parseSequence(chi.URLParam(r, "sequence"))
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, operation, errUnauthenticated, "sequence_number", seq)
		return
	}

	var req CreateSignatureRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, operation, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	if req.SignerID != "" && req.SignerID != id.UserID {
		writeError(w, r, operation, errSignerMismatch, "sequence_number", seq, "signer_id", req.SignerID)
		return
	}
	role := req.SignerRole
	if role == "" {
		role = id.Role
	}

	sigID, err := h.gateway.CreateSignature(r.Context(), domain.SignRequest{
		AuditEntryID:     seq,
		SignerID:         id.UserID,
		SignerRole:       role,
		CredentialSecret: []byte(req.CredentialSecret),
		Meaning:          req.Meaning,
		Reason:           req.Reason,
		Context: domain.SignatureContext{
			ClientAddress: r.RemoteAddr,
			ClientAgent:   r.UserAgent(),
		},
	})
	if err != nil {
		writeError(w, r, operation, err, "sequence_number", seq)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess,
		"sequence_number", seq, "signature_id", sigID)
	httputil.JSON(w, http.StatusCreated, CreateSignatureResponse{SignatureID: sigID})
}

// ListSignatures は監査エントリへの署名一覧を返す。
func (h *SignatureHandler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	const operation = "LIST_SIGNATURES"

	seq, err := parseSequence(chi.URLParam(r, "sequence"))
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	sigs, err := h.service.ListForEntry(r.Context(), seq)
	if err != nil {
		writeError(w, r, operation, err, "sequence_number", seq)
		return
	}

	resp := SignatureListResponse{Signatures: make([]SignatureResponse, len(sigs))}
	for i, s := range sigs {
		resp.Signatures[i] = newSignatureResponse(s)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// VerifySignature は保存された署名を現在のエントリと証明書の公開鍵で検証する。
func (h *SignatureHandler) VerifySignature(w http.ResponseWriter, r *http.Request) {
	const operation = "VERIFY_SIGNATURE"

	sigID := chi.URLParam(r, "signature_id")
	sig, valid, err := h.service.VerifyByID(r.Context(), sigID)
	if err != nil {
		writeError(w, r, operation, err, "signature_id", sigID)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess,
		"signature_id", sigID, "valid", valid)
	httputil.JSON(w, http.StatusOK, SignatureVerificationResponse{
		Valid:     valid,
		Signature: newSignatureResponse(sig),
	})
}
