package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"audit-ledger-service/internal/middleware"
)

const testCredential = "s3cret-pin"

func issueCertificate(t *testing.T, h *testHandlers, id *middleware.Identity, algorithm string) CertificateResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	body := IssueCertificateRequest{Algorithm: algorithm, CredentialSecret: testCredential}
	h.certs.IssueCertificate(rec, newRequest(t, http.MethodPost, "/v1/users/"+id.UserID+"/certificates", body,
		map[string]string{"user_id": id.UserID}, id))
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CertificateResponse
	decodeBody(t, rec, &resp)
	return resp
}

func sign(t *testing.T, h *testHandlers, seq string, body CreateSignatureRequest, id *middleware.Identity) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.sigs.CreateSignature(rec, newRequest(t, http.MethodPost, "/v1/audit/entries/"+seq+"/signatures", body,
		map[string]string{"sequence": seq}, id))
	return rec
}

func approval() CreateSignatureRequest {
	return CreateSignatureRequest{CredentialSecret: testCredential, Meaning: "Approved", Reason: "formula reviewed"}
}

func TestCreateSignature_Success(t *testing.T) {
	h := setupHandlers(t)
	createEntry(t, h, formulaCreated())
	cert := issueCertificate(t, h, qaUser, "ECDSA-P256-SHA256")

	rec := sign(t, h, "1", approval(), qaUser)
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created CreateSignatureResponse
	decodeBody(t, rec, &created)
	if created.SignatureID == "" {
		t.Fatal("want signature id")
	}

	rec = httptest.NewRecorder()
	h.sigs.ListSignatures(rec, newRequest(t, http.MethodGet, "/v1/audit/entries/1/signatures", nil, map[string]string{"sequence": "1"}, nil))
	var list SignatureListResponse
	decodeBody(t, rec, &list)
	if len(list.Signatures) != 1 {
		t.Fatalf("want 1 signature, got %d", len(list.Signatures))
	}
	got := list.Signatures[0]
	if got.SignerID != "qa-01" || got.SignerRole != "QA Manager" || got.CertificateID != cert.ID || got.Algorithm != "ECDSA-P256-SHA256" {
		t.Errorf("unexpected signature: %+v", got)
	}

	rec = httptest.NewRecorder()
	h.sigs.VerifySignature(rec, newRequest(t, http.MethodGet, "/v1/signatures/"+created.SignatureID+"/verify", nil,
		map[string]string{"signature_id": created.SignatureID}, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want status 200, got %d", rec.Code)
	}
	var verified SignatureVerificationResponse
	decodeBody(t, rec, &verified)
	if !verified.Valid || verified.Signature.Meaning != "Approved" {
		t.Errorf("want valid signature, got %+v", verified)
	}
}

func TestCreateSignature_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, h *testHandlers)
		seq      string
		body     CreateSignatureRequest
		identity *middleware.Identity
		wantCode int
		wantErr  string
	}{
		{
			name:     "anonymous",
			seq:      "1",
			body:     approval(),
			wantCode: http.StatusUnauthorized,
			wantErr:  "UNAUTHENTICATED",
		},
		{
			name: "signing on behalf of another user",
			seq:  "1",
			body: func() CreateSignatureRequest {
				b := approval()
				b.SignerID = "qa-02"
				return b
			}(),
			identity: qaUser,
			wantCode: http.StatusForbidden,
			wantErr:  "SIGNER_MISMATCH",
		},
		{
			name:     "no certificate",
			seq:      "1",
			body:     approval(),
			identity: qaUser,
			wantCode: http.StatusPreconditionFailed,
			wantErr:  "NO_ACTIVE_CERTIFICATE",
		},
		{
			name: "expired certificate",
			setup: func(t *testing.T, h *testHandlers) {
				issueCertificate(t, h, qaUser, "")
				h.clock.Advance(25 * time.Hour)
			},
			seq:      "1",
			body:     approval(),
			identity: qaUser,
			wantCode: http.StatusPreconditionFailed,
			wantErr:  "CERTIFICATE_EXPIRED",
		},
		{
			name:  "wrong credential",
			setup: func(t *testing.T, h *testHandlers) { issueCertificate(t, h, qaUser, "") },
			seq:   "1",
			body: func() CreateSignatureRequest {
				b := approval()
				b.CredentialSecret = "0000"
				return b
			}(),
			identity: qaUser,
			wantCode: http.StatusUnauthorized,
			wantErr:  "INVALID_CREDENTIAL",
		},
		{
			name:     "entry not found",
			setup:    func(t *testing.T, h *testHandlers) { issueCertificate(t, h, qaUser, "") },
			seq:      "42",
			body:     approval(),
			identity: qaUser,
			wantCode: http.StatusNotFound,
			wantErr:  "ENTRY_NOT_FOUND",
		},
		{
			name:  "missing meaning",
			setup: func(t *testing.T, h *testHandlers) { issueCertificate(t, h, qaUser, "") },
			seq:   "1",
			body: func() CreateSignatureRequest {
				b := approval()
				b.Meaning = ""
				return b
			}(),
			identity: qaUser,
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_SIGNATURE_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHandlers(t)
			createEntry(t, h, formulaCreated())
			if tt.setup != nil {
				tt.setup(t, h)
			}

			rec := sign(t, h, tt.seq, tt.body, tt.identity)
			if rec.Code != tt.wantCode {
				t.Errorf("want status %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantErr {
				t.Errorf("want code %s, got %s", tt.wantErr, code)
			}

			// 失敗した署名要求は何も保存しない
			var count int64
			h.db.Table("electronic_signatures").Count(&count)
			if count != 0 {
				t.Errorf("want no signature stored, got %d", count)
			}
		})
	}
}

func TestVerifySignature_NotFound(t *testing.T) {
	h := setupHandlers(t)

	rec := httptest.NewRecorder()
	h.sigs.VerifySignature(rec, newRequest(t, http.MethodGet, "/v1/signatures/missing/verify", nil,
		map[string]string{"signature_id": "missing"}, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}

func TestListSignatures_EntryNotFound(t *testing.T) {
	h := setupHandlers(t)

	rec := httptest.NewRecorder()
	h.sigs.ListSignatures(rec, newRequest(t, http.MethodGet, "/v1/audit/entries/5/signatures", nil, map[string]string{"sequence": "5"}, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("want status 404, got %d", rec.Code)
	}
}
