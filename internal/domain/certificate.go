package domain

import "time"

// CertificateStatus は証明書のステータスを表す。
type CertificateStatus string

const (
	// CertificateStatusActive は署名に使用できる証明書を表す。
	CertificateStatusActive CertificateStatus = "active"
	// CertificateStatusExpired は有効期限切れの証明書を表す。
	CertificateStatusExpired CertificateStatus = "expired"
	// CertificateStatusRevoked は失効した証明書を表す。
	CertificateStatusRevoked CertificateStatus = "revoked"
)

// Algorithm は署名アルゴリズム名を表す。
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "Ed25519"
	AlgorithmECDSAP256 Algorithm = "ECDSA-P256-SHA256"
	AlgorithmRSAPSS    Algorithm = "RSA-PSS-SHA256"
)

// UserCertificate は署名者の資格情報を表す。秘密鍵は暗号化された状態でのみ保持する。
type UserCertificate struct {
	ID                   string
	UserID               string
	EncryptedKeyMaterial []byte
	PublicKey            []byte // PKIX DER
	Algorithm            Algorithm
	Status               CertificateStatus
	CreatedAt            time.Time
	ExpiresAt            time.Time
	RevokedAt            *time.Time
	RevocationReason     string
}

// EffectiveStatus は保存されたステータスと有効期限から現時点のステータスを返す。
func (c *UserCertificate) EffectiveStatus(now time.Time) CertificateStatus {
	if c.Status == CertificateStatusActive && !now.Before(c.ExpiresAt) {
		return CertificateStatusExpired
	}
	return c.Status
}

// UnavailableError はステータスに応じた証明書利用不可エラーを返す。利用可能な場合はnil。
func (c *UserCertificate) UnavailableError(now time.Time) error {
	switch c.EffectiveStatus(now) {
	case CertificateStatusActive:
		return nil
	case CertificateStatusExpired:
		return ErrCertificateExpired
	case CertificateStatusRevoked:
		return ErrCertificateRevoked
	default:
		return ErrNoActiveCertificate
	}
}

// CertificateMetadata は証明書のメタデータを表す（鍵素材を含まない）。
type CertificateMetadata struct {
	ID               string
	UserID           string
	Algorithm        Algorithm
	Status           CertificateStatus
	PublicKey        []byte
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevocationReason string
}

// Metadata は鍵素材を除いたメタデータを返す。
func (c *UserCertificate) Metadata(now time.Time) *CertificateMetadata {
	return &CertificateMetadata{
		ID:               c.ID,
		UserID:           c.UserID,
		Algorithm:        c.Algorithm,
		Status:           c.EffectiveStatus(now),
		PublicKey:        c.PublicKey,
		CreatedAt:        c.CreatedAt,
		ExpiresAt:        c.ExpiresAt,
		RevokedAt:        c.RevokedAt,
		RevocationReason: c.RevocationReason,
	}
}
