package usecase

import (
	"context"
	"errors"
	"fmt"

	"audit-ledger-service/internal/domain"
)

// Ledger は台帳操作のインターフェース。
type Ledger interface {
	Append(ctx context.Context, draft *domain.AuditEntryDraft) (*domain.AuditEntry, error)
	QueryPage(ctx context.Context, filter domain.AuditFilter) (*domain.Page, error)
	VerifyChain(ctx context.Context, fromSeq, toSeq int64) (*domain.VerificationResult, error)
}

// Signer は電子署名作成のインターフェース。
type Signer interface {
	Sign(ctx context.Context, req domain.SignRequest) (*domain.ElectronicSignature, error)
}

// AuditEvent はアプリケーションから受け取る監査対象イベント。
// Eventは対応表のイベント名、または既知のアクション種別。
type AuditEvent struct {
	Event           string
	ActorID         string
	SessionID       string
	SubjectTable    string
	SubjectRecordID string
	BeforeState     []byte
	AfterState      []byte
	Context         domain.EntryContext
	IdempotencyKey  string
}

// AuditGateway はアプリケーションのイベントを台帳への追記と署名要求に変換する。
type AuditGateway struct {
	ledger  Ledger
	signer  Signer
	catalog *domain.ActionCatalog
}

// NewAuditGateway は新しいAuditGatewayを生成する。
func NewAuditGateway(ledger Ledger, signer Signer, catalog *domain.ActionCatalog) *AuditGateway {
	return &AuditGateway{
		ledger:  ledger,
		signer:  signer,
		catalog: catalog,
	}
}

// CreateEntry はイベントを対応表でアクション種別に解決し、台帳に追記してシーケンス番号を返す。
func (g *AuditGateway) CreateEntry(ctx context.Context, ev AuditEvent) (int64, error) {
	action, err := g.catalog.Resolve(ev.Event)
	if err != nil {
		return 0, err
	}

	draft := &domain.AuditEntryDraft{
		ActorID:         optional(ev.ActorID),
		SessionID:       optional(ev.SessionID),
		ActionType:      action,
		SubjectTable:    ev.SubjectTable,
		SubjectRecordID: ev.SubjectRecordID,
		BeforeState:     ev.BeforeState,
		AfterState:      ev.AfterState,
		Context:         ev.Context,
		IdempotencyKey:  optional(ev.IdempotencyKey),
	}
	entry, err := g.ledger.Append(ctx, draft)
	if err != nil {
		return 0, err
	}
	return entry.SequenceNumber, nil
}

// CreateSignature は指定されたエントリへの電子署名を作成し、署名IDを返す。
func (g *AuditGateway) CreateSignature(ctx context.Context, req domain.SignRequest) (string, error) {
	sig, err := g.signer.Sign(ctx, req)
	if err != nil {
		return "", err
	}
	return sig.ID, nil
}

// QueryTrail は監査証跡を1ページ分取得する。
func (g *AuditGateway) QueryTrail(ctx context.Context, filter domain.AuditFilter) (*domain.Page, error) {
	return g.ledger.QueryPage(ctx, filter)
}

// VerifyRange はチェーンを検証する。違反を検出した場合は結果とともに*domain.IntegrityViolationを返す。
func (g *AuditGateway) VerifyRange(ctx context.Context, fromSeq, toSeq int64) (*domain.VerificationResult, error) {
	if fromSeq < 0 || toSeq < 0 {
		return nil, fmt.Errorf("%w: negative sequence", domain.ErrInvalidRange)
	}
	result, err := g.ledger.VerifyChain(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if violation := result.Err(); violation != nil {
		return result, violation
	}
	return result, nil
}

// IsIntegrityViolation はerrがチェーンの不整合を表すか判定する。
func IsIntegrityViolation(err error) bool {
	return errors.Is(err, domain.ErrIntegrityViolation)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
