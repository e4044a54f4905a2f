// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"audit-ledger-service/internal/domain"
)

// AuditEntryModel はgorm用のモデル定義。
// previous_hashの一意制約により、同じ末尾から作られた2つ目の追記は挿入時に失敗する。
type AuditEntryModel struct {
	SequenceNumber  int64     `gorm:"primaryKey;autoIncrement:false"`
	ActorID         *string   `gorm:"size:64;index:idx_audit_actor"`
	SessionID       *string   `gorm:"size:128"`
	ActionType      string    `gorm:"size:64;not null;index:idx_audit_action_type"`
	SubjectTable    string    `gorm:"size:64;not null;index:idx_audit_subject,priority:1"`
	SubjectRecordID string    `gorm:"size:128;not null;default:'';index:idx_audit_subject,priority:2"`
	BeforeState     []byte    `gorm:"column:before_state"`
	AfterState      []byte    `gorm:"column:after_state"`
	RecordedAt      time.Time `gorm:"not null;precision:6;index:idx_audit_recorded_at"`
	ClientAddress   string    `gorm:"size:64;not null;default:''"`
	ClientAgent     string    `gorm:"size:255;not null;default:''"`
	Reason          string    `gorm:"type:text"`
	ContentHash     string    `gorm:"size:64;not null;uniqueIndex:uk_audit_content_hash"`
	PreviousHash    string    `gorm:"size:64;not null;uniqueIndex:uk_audit_previous_hash"`
	IdempotencyKey  *string   `gorm:"size:128;uniqueIndex:uk_audit_idempotency_key"`
}

// TableName はテーブル名を返す。
func (AuditEntryModel) TableName() string {
	return "audit_entries"
}

func newAuditEntryModel(e *domain.AuditEntry) *AuditEntryModel {
	return &AuditEntryModel{
		SequenceNumber:  e.SequenceNumber,
		ActorID:         e.ActorID,
		SessionID:       e.SessionID,
		ActionType:      e.ActionType,
		SubjectTable:    e.SubjectTable,
		SubjectRecordID: e.SubjectRecordID,
		BeforeState:     e.BeforeState,
		AfterState:      e.AfterState,
		RecordedAt:      e.Timestamp,
		ClientAddress:   e.Context.ClientAddress,
		ClientAgent:     e.Context.ClientAgent,
		Reason:          e.Context.Reason,
		ContentHash:     e.ContentHash,
		PreviousHash:    e.PreviousHash,
		IdempotencyKey:  e.IdempotencyKey,
	}
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *AuditEntryModel) toDomain() *domain.AuditEntry {
	return &domain.AuditEntry{
		SequenceNumber:  m.SequenceNumber,
		ActorID:         m.ActorID,
		SessionID:       m.SessionID,
		ActionType:      m.ActionType,
		SubjectTable:    m.SubjectTable,
		SubjectRecordID: m.SubjectRecordID,
		BeforeState:     m.BeforeState,
		AfterState:      m.AfterState,
		Timestamp:       m.RecordedAt.UTC(),
		Context: domain.EntryContext{
			ClientAddress: m.ClientAddress,
			ClientAgent:   m.ClientAgent,
			Reason:        m.Reason,
		},
		ContentHash:    m.ContentHash,
		PreviousHash:   m.PreviousHash,
		IdempotencyKey: m.IdempotencyKey,
	}
}

// AuditEntryRepository は監査エントリへのデータアクセスを提供する。
// 更新・削除の操作は持たない。
type AuditEntryRepository struct {
	db *gorm.DB
}

// NewAuditEntryRepository は新しいAuditEntryRepositoryを生成する。
func NewAuditEntryRepository(db *gorm.DB) *AuditEntryRepository {
	return &AuditEntryRepository{db: db}
}

// AppendEntry は1トランザクション内で末尾を読み、buildで作ったエントリを挿入する。
// 他のトランザクションが先に同じ末尾へ追記していた場合はdomain.ErrAppendConflictを返す。
func (r *AuditEntryRepository) AppendEntry(ctx context.Context, build func(tail domain.ChainTail) (*domain.AuditEntry, error)) (*domain.AuditEntry, error) {
	var appended *domain.AuditEntry
	var buildErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tail, err := readTail(tx)
		if err != nil {
			return err
		}
		entry, err := build(tail)
		if err != nil {
			buildErr = err
			return err
		}
		if err := tx.Create(newAuditEntryModel(entry)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrAppendConflict
			}
			return err
		}
		appended = entry
		return nil
	})
	if err != nil {
		if buildErr != nil || errors.Is(err, domain.ErrAppendConflict) {
			return nil, err
		}
		slog.ErrorContext(ctx, "failed to append audit entry",
			"operation", "append_entry",
			"error", err,
		)
		return nil, domain.StorageError("append entry", err)
	}
	return appended, nil
}

// Tail は台帳末尾を取得する。空の台帳ではdomain.EmptyTail()を返す。
func (r *AuditEntryRepository) Tail(ctx context.Context) (domain.ChainTail, error) {
	tail, err := readTail(r.db.WithContext(ctx))
	if err != nil {
		slog.ErrorContext(ctx, "failed to read chain tail",
			"operation", "tail",
			"error", err,
		)
		return domain.ChainTail{}, domain.StorageError("read tail", err)
	}
	return tail, nil
}

func readTail(tx *gorm.DB) (domain.ChainTail, error) {
	var model AuditEntryModel
	err := tx.Select("sequence_number", "content_hash", "recorded_at").
		Order("sequence_number DESC").
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.EmptyTail(), nil
		}
		return domain.ChainTail{}, err
	}
	return domain.ChainTail{
		SequenceNumber: model.SequenceNumber,
		ContentHash:    model.ContentHash,
		Timestamp:      model.RecordedAt.UTC(),
	}, nil
}

// FindBySequence は指定されたシーケンス番号のエントリを取得する。
func (r *AuditEntryRepository) FindBySequence(ctx context.Context, seq int64) (*domain.AuditEntry, error) {
	var model AuditEntryModel
	err := r.db.WithContext(ctx).Where("sequence_number = ?", seq).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		slog.ErrorContext(ctx, "failed to find audit entry",
			"operation", "find_by_sequence",
			"sequence_number", seq,
			"error", err,
		)
		return nil, domain.StorageError("find entry", err)
	}
	return model.toDomain(), nil
}

// FindByIdempotencyKey は冪等キーで記録済みのエントリを取得する。
func (r *AuditEntryRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.AuditEntry, error) {
	var model AuditEntryModel
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		slog.ErrorContext(ctx, "failed to find audit entry by idempotency key",
			"operation", "find_by_idempotency_key",
			"error", err,
		)
		return nil, domain.StorageError("find entry by idempotency key", err)
	}
	return model.toDomain(), nil
}

// List はフィルタ条件に一致するエントリをシーケンス番号順に最大filter.Limit件取得する。
func (r *AuditEntryRepository) List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, error) {
	q := r.db.WithContext(ctx).Model(&AuditEntryModel{})
	if filter.ActorID != "" {
		q = q.Where("actor_id = ?", filter.ActorID)
	}
	if filter.ActionType != "" {
		q = q.Where("action_type = ?", filter.ActionType)
	}
	if filter.SubjectTable != "" {
		q = q.Where("subject_table = ?", filter.SubjectTable)
	}
	if filter.SubjectRecordID != "" {
		q = q.Where("subject_record_id = ?", filter.SubjectRecordID)
	}
	if filter.From != nil {
		q = q.Where("recorded_at >= ?", domain.NormalizeTimestamp(*filter.From))
	}
	if filter.To != nil {
		q = q.Where("recorded_at < ?", domain.NormalizeTimestamp(*filter.To))
	}
	if filter.Ascending {
		if filter.Cursor > 0 {
			q = q.Where("sequence_number > ?", filter.Cursor)
		}
		q = q.Order("sequence_number ASC")
	} else {
		if filter.Cursor > 0 {
			q = q.Where("sequence_number < ?", filter.Cursor)
		}
		q = q.Order("sequence_number DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []AuditEntryModel
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list audit entries",
			"operation", "list",
			"error", err,
		)
		return nil, domain.StorageError("list entries", err)
	}
	return toDomainEntries(models), nil
}

// FindRange はfrom以上to以下のエントリを昇順で最大limit件取得する。
func (r *AuditEntryRepository) FindRange(ctx context.Context, from, to int64, limit int) ([]*domain.AuditEntry, error) {
	var models []AuditEntryModel
	err := r.db.WithContext(ctx).
		Where("sequence_number >= ? AND sequence_number <= ?", from, to).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find audit entry range",
			"operation", "find_range",
			"from", from,
			"to", to,
			"error", err,
		)
		return nil, domain.StorageError("find range", err)
	}
	return toDomainEntries(models), nil
}

func toDomainEntries(models []AuditEntryModel) []*domain.AuditEntry {
	entries := make([]*domain.AuditEntry, len(models))
	for i := range models {
		entries[i] = models[i].toDomain()
	}
	return entries
}
