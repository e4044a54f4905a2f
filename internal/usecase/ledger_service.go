// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audit-ledger-service/internal/domain"
)

var tracer = otel.Tracer("audit-ledger-service/usecase")

const (
	defaultPageSize        = 100
	defaultVerifyBatchSize = 500
)

// AuditEntryRepository は監査エントリのデータアクセスのインターフェース。
type AuditEntryRepository interface {
	AppendEntry(ctx context.Context, build func(tail domain.ChainTail) (*domain.AuditEntry, error)) (*domain.AuditEntry, error)
	Tail(ctx context.Context) (domain.ChainTail, error)
	FindBySequence(ctx context.Context, seq int64) (*domain.AuditEntry, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*domain.AuditEntry, error)
	List(ctx context.Context, filter domain.AuditFilter) ([]*domain.AuditEntry, error)
	FindRange(ctx context.Context, from, to int64, limit int) ([]*domain.AuditEntry, error)
}

// IntegrityAlerter は整合性違反を運用者に通知するインターフェース。
type IntegrityAlerter interface {
	AlertIntegrityViolation(ctx context.Context, v *domain.IntegrityViolation)
}

// LedgerOptions はLedgerServiceの動作設定。
type LedgerOptions struct {
	MaxRetries      uint
	RetryBaseDelay  time.Duration
	MaxPageSize     int
	VerifyBatchSize int
	Now             func() time.Time
}

// LedgerService はハッシュチェーン台帳のビジネスロジックを提供する。
// 追記はプロセス内で直列化し、プロセス間の競合はストレージの一意制約で検出して再試行する。
type LedgerService struct {
	repo    AuditEntryRepository
	alerter IntegrityAlerter
	opts    LedgerOptions
	mu      sync.Mutex
}

// NewLedgerService は新しいLedgerServiceを生成する。
func NewLedgerService(repo AuditEntryRepository, alerter IntegrityAlerter, opts LedgerOptions) *LedgerService {
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 20 * time.Millisecond
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 500
	}
	if opts.VerifyBatchSize <= 0 {
		opts.VerifyBatchSize = defaultVerifyBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LedgerService{
		repo:    repo,
		alerter: alerter,
		opts:    opts,
	}
}

// Append はドラフトにシーケンス番号・タイムスタンプ・ハッシュを割り当てて台帳末尾に追記する。
// 冪等キーが同じで内容も同じ再送には既存のエントリを返す。
func (s *LedgerService) Append(ctx context.Context, draft *domain.AuditEntryDraft) (*domain.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.Append",
		trace.WithAttributes(attribute.String("audit.action_type", draft.ActionType)))
	defer span.End()

	if err := draft.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idempotent := draft.IdempotencyKey != nil && *draft.IdempotencyKey != ""
	attempts := 0
	op := func() (*domain.AuditEntry, error) {
		attempts++
		if idempotent {
			existing, err := s.repo.FindByIdempotencyKey(ctx, *draft.IdempotencyKey)
			switch {
			case err == nil:
				if !draft.SameContent(existing) {
					return nil, backoff.Permanent(domain.ErrIdempotencyKeyReused)
				}
				return existing, nil
			case errors.Is(err, domain.ErrEntryNotFound):
			default:
				return nil, err
			}
		}

		entry, err := s.repo.AppendEntry(ctx, func(tail domain.ChainTail) (*domain.AuditEntry, error) {
			return domain.NewEntryFromDraft(draft, tail, s.opts.Now())
		})
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, domain.ErrAppendConflict):
			return nil, err
		case errors.Is(err, domain.ErrStorage) && idempotent:
			// 冪等キーがあれば、コミット済みかどうか不明な失敗も再試行できる
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.RetryBaseDelay
	exp.MaxInterval = 50 * s.opts.RetryBaseDelay

	entry, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(s.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "retrying audit append",
				"operation", "append",
				"attempt", attempts,
				"backoff", next,
				"error", err,
			)
		}),
	)
	span.SetAttributes(attribute.Int("audit.append_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrAppendConflict) {
			return nil, fmt.Errorf("%w: gave up after %d attempts", domain.ErrConcurrencyConflict, attempts)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("audit.sequence_number", entry.SequenceNumber))
	return entry, nil
}

// Get は指定されたシーケンス番号のエントリを取得する。
func (s *LedgerService) Get(ctx context.Context, seq int64) (*domain.AuditEntry, error) {
	if seq < 1 {
		return nil, domain.ErrEntryNotFound
	}
	return s.repo.FindBySequence(ctx, seq)
}

// Query はフィルタ条件に一致するエントリを遅延評価で返す。
// ページ単位で取得し、ページ間でctxのキャンセルを確認する。filter.Limitは1ページの件数として扱う。
func (s *LedgerService) Query(ctx context.Context, filter domain.AuditFilter) iter.Seq2[*domain.AuditEntry, error] {
	return func(yield func(*domain.AuditEntry, error) bool) {
		f := filter
		f.Limit = s.pageSize(filter.Limit)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			entries, err := s.repo.List(ctx, f)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if len(entries) < f.Limit {
				return
			}
			f.Cursor = entries[len(entries)-1].SequenceNumber
		}
	}
}

// QueryPage はフィルタ条件に一致するエントリを1ページ分取得する。
func (s *LedgerService) QueryPage(ctx context.Context, filter domain.AuditFilter) (*domain.Page, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.QueryPage")
	defer span.End()

	limit := s.pageSize(filter.Limit)
	f := filter
	f.Limit = limit + 1
	entries, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}

	page := &domain.Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
		page.NextCursor = page.Entries[limit-1].SequenceNumber
	}
	return page, nil
}

func (s *LedgerService) pageSize(requested int) int {
	switch {
	case requested <= 0:
		return min(defaultPageSize, s.opts.MaxPageSize)
	case requested > s.opts.MaxPageSize:
		return s.opts.MaxPageSize
	default:
		return requested
	}
}

// VerifyChain はfromSeqからtoSeqまでの各エントリのハッシュを保存値から再計算し、
// 直前エントリとの連結を検証する。toSeqが0の場合は現在の末尾までを対象とする。
// 違反を検出した場合は結果に含めたうえでIntegrityAlerterへ通知する。
func (s *LedgerService) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (*domain.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.VerifyChain")
	defer span.End()

	if fromSeq < 1 {
		fromSeq = 1
	}
	tail, err := s.repo.Tail(ctx)
	if err != nil {
		return nil, err
	}
	if tail.SequenceNumber == 0 && toSeq == 0 {
		// 空の台帳
		return &domain.VerificationResult{FromSequence: fromSeq, VerifiedAt: s.opts.Now().UTC()}, nil
	}
	if toSeq == 0 {
		toSeq = tail.SequenceNumber
	}
	if toSeq < fromSeq {
		return nil, fmt.Errorf("%w: from %d is after to %d", domain.ErrInvalidRange, fromSeq, toSeq)
	}
	if toSeq > tail.SequenceNumber {
		return nil, fmt.Errorf("%w: to %d is beyond the ledger tail %d", domain.ErrInvalidRange, toSeq, tail.SequenceNumber)
	}
	span.SetAttributes(attribute.Int64("audit.verify_from", fromSeq), attribute.Int64("audit.verify_to", toSeq))

	result := &domain.VerificationResult{FromSequence: fromSeq, ToSequence: toSeq}
	violation, err := s.verifyRange(ctx, fromSeq, toSeq, result)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.VerifiedAt = s.opts.Now().UTC()

	if violation != nil {
		result.Violation = violation
		span.SetStatus(codes.Error, violation.Error())
		if s.alerter != nil {
			s.alerter.AlertIntegrityViolation(ctx, violation)
		}
	}
	return result, nil
}

func (s *LedgerService) verifyRange(ctx context.Context, fromSeq, toSeq int64, result *domain.VerificationResult) (*domain.IntegrityViolation, error) {
	// 直前エントリのハッシュを連結検証の起点にする
	expectedPrev := domain.GenesisHash
	if fromSeq > 1 {
		prev, err := s.repo.FindBySequence(ctx, fromSeq-1)
		if errors.Is(err, domain.ErrEntryNotFound) {
			return &domain.IntegrityViolation{AtSequence: fromSeq - 1, Reason: domain.ReasonMissingSequence}, nil
		}
		if err != nil {
			return nil, err
		}
		expectedPrev, err = prev.ComputeContentHash()
		if err != nil {
			return nil, err
		}
	}

	next := fromSeq
	for next <= toSeq {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := s.repo.FindRange(ctx, next, toSeq, s.opts.VerifyBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return &domain.IntegrityViolation{AtSequence: next, Reason: domain.ReasonMissingSequence}, nil
		}
		for _, e := range batch {
			if e.SequenceNumber != next {
				return &domain.IntegrityViolation{
					AtSequence: next,
					Reason:     domain.ReasonMissingSequence,
					Expected:   fmt.Sprint(next),
					Actual:     fmt.Sprint(e.SequenceNumber),
				}, nil
			}
			recomputed, err := e.ComputeContentHash()
			if err != nil {
				return nil, err
			}
			if recomputed != e.ContentHash {
				return &domain.IntegrityViolation{
					AtSequence: e.SequenceNumber,
					Reason:     domain.ReasonHashMismatch,
					Expected:   recomputed,
					Actual:     e.ContentHash,
				}, nil
			}
			if e.PreviousHash != expectedPrev {
				return &domain.IntegrityViolation{
					AtSequence: e.SequenceNumber,
					Reason:     domain.ReasonChainBreak,
					Expected:   expectedPrev,
					Actual:     e.PreviousHash,
				}, nil
			}
			expectedPrev = recomputed
			result.EntriesChecked++
			next++
		}
	}
	return nil, nil
}
