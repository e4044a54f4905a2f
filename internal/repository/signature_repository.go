package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"audit-ledger-service/internal/domain"
)

// SignatureModel はgorm用のモデル定義。
type SignatureModel struct {
	ID             string            `gorm:"size:36;primaryKey"`
	AuditEntryID   int64             `gorm:"not null;index:idx_sig_audit_entry"`
	SignerID       string            `gorm:"size:64;not null;index:idx_sig_signer"`
	SignerRole     string            `gorm:"size:64;not null;default:''"`
	Meaning        string            `gorm:"size:64;not null"`
	Reason         string            `gorm:"type:text"`
	SignedAt       time.Time         `gorm:"not null;precision:6"`
	ClientAddress  string            `gorm:"size:64;not null;default:''"`
	ClientAgent    string            `gorm:"size:255;not null;default:''"`
	SignatureValue []byte            `gorm:"not null"`
	CertificateID  string            `gorm:"size:36;not null;index:idx_sig_certificate"`
	Algorithm      string            `gorm:"size:32;not null"`
	AuditEntry     *AuditEntryModel  `gorm:"foreignKey:AuditEntryID;references:SequenceNumber;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
	Certificate    *CertificateModel `gorm:"foreignKey:CertificateID;references:ID;constraint:OnUpdate:RESTRICT,OnDelete:RESTRICT"`
}

// TableName はテーブル名を返す。
func (SignatureModel) TableName() string {
	return "electronic_signatures"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SignatureModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *SignatureModel) toDomain() *domain.ElectronicSignature {
	return &domain.ElectronicSignature{
		ID:           m.ID,
		AuditEntryID: m.AuditEntryID,
		SignerID:     m.SignerID,
		SignerRole:   m.SignerRole,
		Meaning:      m.Meaning,
		Reason:       m.Reason,
		Timestamp:    m.SignedAt.UTC(),
		Context: domain.SignatureContext{
			ClientAddress: m.ClientAddress,
			ClientAgent:   m.ClientAgent,
		},
		SignatureValue: m.SignatureValue,
		CertificateID:  m.CertificateID,
		Algorithm:      domain.Algorithm(m.Algorithm),
	}
}

// SignatureRepository は電子署名へのデータアクセスを提供する。追記のみ。
type SignatureRepository struct {
	db *gorm.DB
}

// NewSignatureRepository は新しいSignatureRepositoryを生成する。
func NewSignatureRepository(db *gorm.DB) *SignatureRepository {
	return &SignatureRepository{db: db}
}

// Create は電子署名を保存する。
func (r *SignatureRepository) Create(ctx context.Context, sig *domain.ElectronicSignature) error {
	model := &SignatureModel{
		ID:             sig.ID,
		AuditEntryID:   sig.AuditEntryID,
		SignerID:       sig.SignerID,
		SignerRole:     sig.SignerRole,
		Meaning:        sig.Meaning,
		Reason:         sig.Reason,
		SignedAt:       sig.Timestamp,
		ClientAddress:  sig.Context.ClientAddress,
		ClientAgent:    sig.Context.ClientAgent,
		SignatureValue: sig.SignatureValue,
		CertificateID:  sig.CertificateID,
		Algorithm:      string(sig.Algorithm),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create signature",
			"operation", "create",
			"audit_entry_id", sig.AuditEntryID,
			"signer_id", sig.SignerID,
			"error", err,
		)
		return domain.StorageError("create signature", err)
	}
	sig.ID = model.ID
	return nil
}

// FindByID は指定されたIDの電子署名を取得する。
func (r *SignatureRepository) FindByID(ctx context.Context, id string) (*domain.ElectronicSignature, error) {
	var model SignatureModel
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSignatureNotFound
		}
		slog.ErrorContext(ctx, "failed to find signature",
			"operation", "find_by_id",
			"signature_id", id,
			"error", err,
		)
		return nil, domain.StorageError("find signature", err)
	}
	return model.toDomain(), nil
}

// ListByAuditEntryID は指定されたエントリへの電子署名を署名順に取得する。
func (r *SignatureRepository) ListByAuditEntryID(ctx context.Context, entryID int64) ([]*domain.ElectronicSignature, error) {
	var models []SignatureModel
	err := r.db.WithContext(ctx).
		Where("audit_entry_id = ?", entryID).
		Order("signed_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list signatures",
			"operation", "list_by_audit_entry_id",
			"audit_entry_id", entryID,
			"error", err,
		)
		return nil, domain.StorageError("list signatures", err)
	}

	sigs := make([]*domain.ElectronicSignature, len(models))
	for i := range models {
		sigs[i] = models[i].toDomain()
	}
	return sigs, nil
}
