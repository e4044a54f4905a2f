package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignatureContext は署名時の端末情報を表す。
type SignatureContext struct {
	ClientAddress string
	ClientAgent   string
}

// ElectronicSignature は署名者が特定の監査エントリについて意思表示したことの暗号学的証明。
type ElectronicSignature struct {
	ID             string
	AuditEntryID   int64
	SignerID       string
	SignerRole     string
	Meaning        string
	Reason         string
	Timestamp      time.Time
	Context        SignatureContext
	SignatureValue []byte
	CertificateID  string
	Algorithm      Algorithm
}

// signaturePayload は署名対象の正規化表現。対象エントリのcontentHashを含むため別エントリへ転用できない。
type signaturePayload struct {
	Version          int    `json:"v"`
	AuditEntryID     int64  `json:"audit_entry_id"`
	EntryContentHash string `json:"entry_content_hash"`
	SignerID         string `json:"signer_id"`
	SignerRole       string `json:"signer_role"`
	Meaning          string `json:"meaning"`
	Reason           string `json:"reason"`
	Timestamp        string `json:"timestamp"`
	ClientAddress    string `json:"client_address"`
	ClientAgent      string `json:"client_agent"`
	CertificateID    string `json:"certificate_id"`
}

// SigningPayload は署名値の計算対象となるバイト列を返す。
func (s *ElectronicSignature) SigningPayload(entryContentHash string) ([]byte, error) {
	b, err := json.Marshal(signaturePayload{
		Version:          canonicalVersion,
		AuditEntryID:     s.AuditEntryID,
		EntryContentHash: entryContentHash,
		SignerID:         s.SignerID,
		SignerRole:       s.SignerRole,
		Meaning:          s.Meaning,
		Reason:           s.Reason,
		Timestamp:        NormalizeTimestamp(s.Timestamp).Format(time.RFC3339Nano),
		ClientAddress:    s.Context.ClientAddress,
		ClientAgent:      s.Context.ClientAgent,
		CertificateID:    s.CertificateID,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding signature payload: %w", err)
	}
	return b, nil
}

// SignRequest は署名要求を表す。
type SignRequest struct {
	AuditEntryID     int64
	SignerID         string
	SignerRole       string
	CredentialSecret []byte
	Meaning          string
	Reason           string
	Context          SignatureContext
}

// Validate は署名要求の必須項目を検証する。
func (r *SignRequest) Validate() error {
	switch {
	case r.AuditEntryID < 1:
		return fmt.Errorf("%w: audit entry id is required", ErrInvalidSignatureRequest)
	case r.SignerID == "":
		return fmt.Errorf("%w: signer id is required", ErrInvalidSignatureRequest)
	case r.Meaning == "":
		return fmt.Errorf("%w: meaning is required", ErrInvalidSignatureRequest)
	case len(r.CredentialSecret) == 0:
		return ErrInvalidCredential
	}
	return nil
}
