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

// CertificateModel はgorm用のモデル定義。
// active_user_idは有効な証明書でのみ値を持ち、一意制約で「ユーザーあたり有効は1件」を保証する。
type CertificateModel struct {
	ID                   string     `gorm:"size:36;primaryKey"`
	UserID               string     `gorm:"size:64;not null;index:idx_cert_user"`
	ActiveUserID         *string    `gorm:"size:64;uniqueIndex:uk_cert_active_user"`
	EncryptedKeyMaterial []byte     `gorm:"not null"`
	PublicKey            []byte     `gorm:"not null"`
	Algorithm            string     `gorm:"size:32;not null"`
	Status               string     `gorm:"size:16;not null;default:'active';index:idx_cert_status_expires,priority:1"`
	CreatedAt            time.Time  `gorm:"not null;precision:6"`
	ExpiresAt            time.Time  `gorm:"not null;precision:6;index:idx_cert_status_expires,priority:2"`
	RevokedAt            *time.Time `gorm:"precision:6"`
	RevocationReason     string     `gorm:"size:255;not null;default:''"`
}

// TableName はテーブル名を返す。
func (CertificateModel) TableName() string {
	return "user_certificates"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *CertificateModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func newCertificateModel(c *domain.UserCertificate) *CertificateModel {
	m := &CertificateModel{
		ID:                   c.ID,
		UserID:               c.UserID,
		EncryptedKeyMaterial: c.EncryptedKeyMaterial,
		PublicKey:            c.PublicKey,
		Algorithm:            string(c.Algorithm),
		Status:               string(c.Status),
		CreatedAt:            c.CreatedAt,
		ExpiresAt:            c.ExpiresAt,
		RevokedAt:            c.RevokedAt,
		RevocationReason:     c.RevocationReason,
	}
	if c.Status == domain.CertificateStatusActive {
		userID := c.UserID
		m.ActiveUserID = &userID
	}
	return m
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *CertificateModel) toDomain() *domain.UserCertificate {
	c := &domain.UserCertificate{
		ID:                   m.ID,
		UserID:               m.UserID,
		EncryptedKeyMaterial: m.EncryptedKeyMaterial,
		PublicKey:            m.PublicKey,
		Algorithm:            domain.Algorithm(m.Algorithm),
		Status:               domain.CertificateStatus(m.Status),
		CreatedAt:            m.CreatedAt.UTC(),
		ExpiresAt:            m.ExpiresAt.UTC(),
		RevocationReason:     m.RevocationReason,
	}
	if m.RevokedAt != nil {
		t := m.RevokedAt.UTC()
		c.RevokedAt = &t
	}
	return c
}

// CertificateRepository は証明書へのデータアクセスを提供する。行は削除しない。
type CertificateRepository struct {
	db *gorm.DB
}

// NewCertificateRepository は新しいCertificateRepositoryを生成する。
func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Supersede は1トランザクション内で現在の有効証明書をretireで退役させ、新しい証明書を有効として保存する。
// 退役させた証明書を返す（存在しない場合はnil）。
func (r *CertificateRepository) Supersede(ctx context.Context, cert *domain.UserCertificate, retire func(current *domain.UserCertificate)) (*domain.UserCertificate, error) {
	var retired *domain.UserCertificate
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current CertificateModel
		err := tx.Where("active_user_id = ?", cert.UserID).Take(&current).Error
		switch {
		case err == nil:
			retired = current.toDomain()
			retire(retired)
			res := tx.Model(&CertificateModel{}).
				Where("id = ? AND status = ?", current.ID, string(domain.CertificateStatusActive)).
				Updates(map[string]any{
					"status":            string(retired.Status),
					"active_user_id":    nil,
					"revoked_at":        retired.RevokedAt,
					"revocation_reason": retired.RevocationReason,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrCertificateConflict
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		model := newCertificateModel(cert)
		if err := tx.Create(model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrCertificateConflict
			}
			return err
		}
		cert.ID = model.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCertificateConflict) {
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to issue certificate",
			"operation", "supersede",
			"user_id", cert.UserID,
			"error", err,
		)
		return nil, domain.StorageError("issue certificate", err)
	}
	return retired, nil
}

// FindByID は指定されたIDの証明書を取得する。
func (r *CertificateRepository) FindByID(ctx context.Context, id string) (*domain.UserCertificate, error) {
	var model CertificateModel
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCertificateNotFound
		}
		slog.ErrorContext(ctx, "failed to find certificate",
			"operation", "find_by_id",
			"certificate_id", id,
			"error", err,
		)
		return nil, domain.StorageError("find certificate", err)
	}
	return model.toDomain(), nil
}

// FindActiveByUserID は保存上ステータスが有効な証明書を取得する。有効期限は呼び出し側で判定する。
func (r *CertificateRepository) FindActiveByUserID(ctx context.Context, userID string) (*domain.UserCertificate, error) {
	var model CertificateModel
	err := r.db.WithContext(ctx).Where("active_user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCertificateNotFound
		}
		slog.ErrorContext(ctx, "failed to find active certificate",
			"operation", "find_active_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, domain.StorageError("find active certificate", err)
	}
	return model.toDomain(), nil
}

// FindLatestByUserID は指定されたユーザーの最新の証明書を取得する。
func (r *CertificateRepository) FindLatestByUserID(ctx context.Context, userID string) (*domain.UserCertificate, error) {
	var model CertificateModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCertificateNotFound
		}
		slog.ErrorContext(ctx, "failed to find latest certificate",
			"operation", "find_latest_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, domain.StorageError("find latest certificate", err)
	}
	return model.toDomain(), nil
}

// ListByUserID は指定されたユーザーの全証明書を発行順に取得する。
func (r *CertificateRepository) ListByUserID(ctx context.Context, userID string) ([]*domain.UserCertificate, error) {
	var models []CertificateModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list certificates",
			"operation", "list_by_user_id",
			"user_id", userID,
			"error", err,
		)
		return nil, domain.StorageError("list certificates", err)
	}

	certs := make([]*domain.UserCertificate, len(models))
	for i := range models {
		certs[i] = models[i].toDomain()
	}
	return certs, nil
}

// MarkExpired は有効な証明書を期限切れに遷移させる。
func (r *CertificateRepository) MarkExpired(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&CertificateModel{}).
		Where("id = ? AND status = ?", id, string(domain.CertificateStatusActive)).
		Updates(map[string]any{
			"status":         string(domain.CertificateStatusExpired),
			"active_user_id": nil,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark certificate expired",
			"operation", "mark_expired",
			"certificate_id", id,
			"error", err,
		)
		return domain.StorageError("mark certificate expired", err)
	}
	return nil
}

// Revoke は証明書を失効させる。既に失効済みの場合は何もせずfalseを返す。
func (r *CertificateRepository) Revoke(ctx context.Context, id string, at time.Time, reason string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&CertificateModel{}).
		Where("id = ? AND status <> ?", id, string(domain.CertificateStatusRevoked)).
		Updates(map[string]any{
			"status":            string(domain.CertificateStatusRevoked),
			"active_user_id":    nil,
			"revoked_at":        at,
			"revocation_reason": reason,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke certificate",
			"operation", "revoke",
			"certificate_id", id,
			"error", res.Error,
		)
		return false, domain.StorageError("revoke certificate", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ExpireDue は有効期限を過ぎた有効な証明書を一括で期限切れに遷移させ、件数を返す。
func (r *CertificateRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&CertificateModel{}).
		Where("status = ? AND expires_at <= ?", string(domain.CertificateStatusActive), now).
		Updates(map[string]any{
			"status":         string(domain.CertificateStatusExpired),
			"active_user_id": nil,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to expire certificates",
			"operation", "expire_due",
			"error", res.Error,
		)
		return 0, domain.StorageError("expire certificates", res.Error)
	}
	return res.RowsAffected, nil
}
