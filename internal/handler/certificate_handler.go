package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/middleware"
	"audit-ledger-service/internal/usecase"
	"audit-ledger-service/pkg/httputil"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]{1,64}$`)

// CertificateHandler は署名者証明書APIのハンドラを提供する。
type CertificateHandler struct {
	service    *usecase.CertificateService
	adminRoles map[string]struct{}
}

// NewCertificateHandler は新しいCertificateHandlerを生成する。
// adminRolesに含まれるロールは他の利用者の証明書も失効できる。
func NewCertificateHandler(service *usecase.CertificateService, adminRoles []string) *CertificateHandler {
	roles := make(map[string]struct{}, len(adminRoles))
	for _, role := range adminRoles {
		roles[role] = struct{}{}
	}
	return &CertificateHandler{service: service, adminRoles: roles}
}

// canRevoke は証明書の所有者本人または管理者ロールのみ失効を許可する。
func (h *CertificateHandler) canRevoke(id middleware.Identity, cert *domain.UserCertificate) bool {
	if id.UserID == cert.UserID {
		return true
	}
	_, ok := h.adminRoles[id.Role]
	return ok
}

// IssueCertificateRequest は証明書発行のリクエスト形式。
type IssueCertificateRequest struct {
	Algorithm        string `json:"algorithm"`
	CredentialSecret string `json:"credential_secret"`
}

// RevokeCertificateRequest は証明書失効のリクエスト形式。
type RevokeCertificateRequest struct {
	Reason string `json:"reason"`
}

// CertificateResponse は証明書メタデータのレスポンス形式。鍵素材は含まない。
type CertificateResponse struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	Algorithm        string  `json:"algorithm"`
	Status           string  `json:"status"`
	PublicKey        string  `json:"public_key"`
	CreatedAt        string  `json:"created_at"`
	ExpiresAt        string  `json:"expires_at"`
	RevokedAt        *string `json:"revoked_at,omitempty"`
	RevocationReason string  `json:"revocation_reason,omitempty"`
}

// CertificateListResponse は証明書一覧のレスポンス形式。
type CertificateListResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

func newCertificateResponse(m *domain.CertificateMetadata) CertificateResponse {
	resp := CertificateResponse{
		ID:               m.ID,
		UserID:           m.UserID,
		Algorithm:        string(m.Algorithm),
		Status:           string(m.Status),
		PublicKey:        base64.StdEncoding.EncodeToString(m.PublicKey),
		CreatedAt:        m.CreatedAt.Format(time.RFC3339),
		ExpiresAt:        m.ExpiresAt.Format(time.RFC3339),
		RevocationReason: m.RevocationReason,
	}
	if m.RevokedAt != nil {
		revokedAt := m.RevokedAt.Format(time.RFC3339)
		resp.RevokedAt = &revokedAt
	}
	return resp
}

func validateUserID(userID string) error {
	if !userIDRegex.MatchString(userID) {
		return fmt.Errorf("%w: invalid user id format", errInvalidRequest)
	}
	return nil
}

// IssueCertificate は利用者本人の新しい署名用証明書を発行する。既存の有効な証明書は置き換えられる。
func (h *CertificateHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	const operation = "ISSUE_CERTIFICATE"

	userID := chi.URLParam(r, "user_id")
	if err := validateUserID(userID); err != nil {
		writeError(w, r, operation, err)
		return
	}
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, operation, errUnauthenticated, "target_user_id", userID)
		return
	}
	if id.UserID != userID {
		writeError(w, r, operation, errSignerMismatch, "target_user_id", userID)
		return
	}

	var req IssueCertificateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		writeError(w, r, operation, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}

	cert, err := h.service.Issue(r.Context(), userID, domain.Algorithm(req.Algorithm), []byte(req.CredentialSecret))
	if err != nil {
		writeError(w, r, operation, err, "target_user_id", userID)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess,
		"target_user_id", userID, "certificate_id", cert.ID)
	httputil.JSON(w, http.StatusCreated, newCertificateResponse(cert.Metadata(cert.CreatedAt)))
}

// ListCertificates は利用者の証明書一覧を返す。
func (h *CertificateHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	const operation = "LIST_CERTIFICATES"

	userID := chi.URLParam(r, "user_id")
	if err := validateUserID(userID); err != nil {
		writeError(w, r, operation, err)
		return
	}
	certs, err := h.service.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, operation, err, "target_user_id", userID)
		return
	}

	resp := CertificateListResponse{Certificates: make([]CertificateResponse, len(certs))}
	for i, c := range certs {
		resp.Certificates[i] = newCertificateResponse(c)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetActiveCertificate は署名に使える証明書を返す。使えない場合は412を返す。
func (h *CertificateHandler) GetActiveCertificate(w http.ResponseWriter, r *http.Request) {
	const operation = "GET_ACTIVE_CERTIFICATE"

	userID := chi.URLParam(r, "user_id")
	if err := validateUserID(userID); err != nil {
		writeError(w, r, operation, err)
		return
	}
	cert, err := h.service.GetActive(r.Context(), userID)
	if err != nil {
		writeError(w, r, operation, err, "target_user_id", userID)
		return
	}
	httputil.JSON(w, http.StatusOK, newCertificateResponse(cert.Metadata(cert.CreatedAt)))
}

// RevokeCertificate は証明書を失効させる。既に失効済みの場合も成功として扱う。
func (h *CertificateHandler) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	const operation = "REVOKE_CERTIFICATE"

	certID := chi.URLParam(r, "certificate_id")
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, operation, errUnauthenticated, "certificate_id", certID)
		return
	}

	cert, err := h.service.Get(r.Context(), certID)
	if err != nil {
		writeError(w, r, operation, err, "certificate_id", certID)
		return
	}
	if !h.canRevoke(id, cert) {
		writeError(w, r, operation, errSignerMismatch,
			"certificate_id", certID, "owner_id", cert.UserID, "role", id.Role)
		return
	}

	var req RevokeCertificateRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			writeError(w, r, operation, fmt.Errorf("%w: %v", errInvalidRequest, err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}

	if err := h.service.Revoke(r.Context(), certID, req.Reason); err != nil {
		writeError(w, r, operation, err, "certificate_id", certID)
		return
	}

	middleware.WriteOperationLog(r.Context(), operation, middleware.ResultSuccess, "certificate_id", certID)
	w.WriteHeader(http.StatusNoContent)
}
