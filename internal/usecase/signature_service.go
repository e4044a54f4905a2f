package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audit-ledger-service/internal/domain"
)

// SignatureRepository は電子署名のデータアクセスのインターフェース。
type SignatureRepository interface {
	Create(ctx context.Context, sig *domain.ElectronicSignature) error
	FindByID(ctx context.Context, id string) (*domain.ElectronicSignature, error)
	ListByAuditEntryID(ctx context.Context, entryID int64) ([]*domain.ElectronicSignature, error)
}

// EntryReader は署名対象エントリの参照のインターフェース。
type EntryReader interface {
	FindBySequence(ctx context.Context, seq int64) (*domain.AuditEntry, error)
}

// CertificateProvider は署名に使う証明書の取得と鍵の復号のインターフェース。
type CertificateProvider interface {
	GetActive(ctx context.Context, userID string) (*domain.UserCertificate, error)
	Get(ctx context.Context, certificateID string) (*domain.UserCertificate, error)
	UnwrapPrivateKey(ctx context.Context, cert *domain.UserCertificate, credentialSecret []byte) ([]byte, error)
}

// SignatureService は監査エントリに束縛された電子署名を作成・検証する。
// 台帳のエントリは変更しない。
type SignatureService struct {
	repo       SignatureRepository
	entries    EntryReader
	certs      CertificateProvider
	algorithms AlgorithmRegistry
	now        func() time.Time
}

// NewSignatureService は新しいSignatureServiceを生成する。
func NewSignatureService(repo SignatureRepository, entries EntryReader, certs CertificateProvider, algorithms AlgorithmRegistry, now func() time.Time) *SignatureService {
	if now == nil {
		now = time.Now
	}
	return &SignatureService{
		repo:       repo,
		entries:    entries,
		certs:      certs,
		algorithms: algorithms,
		now:        now,
	}
}

// Sign は対象エントリのcontentHashを含む正規化表現に署名し、署名レコードを保存する。
// いずれかの前提条件を満たさない場合は何も保存しない。
func (s *SignatureService) Sign(ctx context.Context, req domain.SignRequest) (*domain.ElectronicSignature, error) {
	ctx, span := tracer.Start(ctx, "SignatureService.Sign",
		trace.WithAttributes(
			attribute.Int64("audit.sequence_number", req.AuditEntryID),
			attribute.String("signature.signer_id", req.SignerID),
		))
	defer span.End()

	sig, err := s.sign(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.WarnContext(ctx, "signature rejected",
			"operation", "sign",
			"audit_entry_id", req.AuditEntryID,
			"signer_id", req.SignerID,
			"error", err,
		)
		return nil, err
	}
	return sig, nil
}

func (s *SignatureService) sign(ctx context.Context, req domain.SignRequest) (*domain.ElectronicSignature, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	entry, err := s.entries.FindBySequence(ctx, req.AuditEntryID)
	if err != nil {
		return nil, err
	}
	cert, err := s.certs.GetActive(ctx, req.SignerID)
	if err != nil {
		return nil, err
	}
	alg, err := s.algorithms.Get(cert.Algorithm)
	if err != nil {
		return nil, err
	}

	privateKey, err := s.certs.UnwrapPrivateKey(ctx, cert, req.CredentialSecret)
	if err != nil {
		return nil, err
	}
	defer clear(privateKey)

	sig := &domain.ElectronicSignature{
		AuditEntryID:  entry.SequenceNumber,
		SignerID:      req.SignerID,
		SignerRole:    req.SignerRole,
		Meaning:       req.Meaning,
		Reason:        req.Reason,
		Timestamp:     domain.NormalizeTimestamp(s.now()),
		Context:       req.Context,
		CertificateID: cert.ID,
		Algorithm:     alg.Name(),
	}
	payload, err := sig.SigningPayload(entry.ContentHash)
	if err != nil {
		return nil, err
	}
	sig.SignatureValue, err = alg.Sign(privateKey, payload)
	if err != nil {
		return nil, fmt.Errorf("computing signature: %w", err)
	}

	if err := s.repo.Create(ctx, sig); err != nil {
		return nil, fmt.Errorf("storing signature: %w", err)
	}
	return sig, nil
}

// Verify は参照先エントリの現在のcontentHashで署名対象を再構成し、公開鍵で署名値を検証する。
// 偽造された署名、または署名後にエントリのハッシュが変わった場合はfalseを返す。
func (s *SignatureService) Verify(ctx context.Context, sig *domain.ElectronicSignature, publicKey []byte) (bool, error) {
	ctx, span := tracer.Start(ctx, "SignatureService.Verify")
	defer span.End()

	entry, err := s.entries.FindBySequence(ctx, sig.AuditEntryID)
	if err != nil {
		return false, err
	}
	alg, err := s.algorithms.Get(sig.Algorithm)
	if err != nil {
		return false, err
	}
	payload, err := sig.SigningPayload(entry.ContentHash)
	if err != nil {
		return false, err
	}
	ok, err := alg.Verify(publicKey, payload, sig.SignatureValue)
	if err != nil {
		return false, fmt.Errorf("verifying signature: %w", err)
	}
	span.SetAttributes(attribute.Bool("signature.valid", ok))
	return ok, nil
}

// VerifyByID は保存された署名を、署名に使った証明書の公開鍵で検証する。
func (s *SignatureService) VerifyByID(ctx context.Context, signatureID string) (*domain.ElectronicSignature, bool, error) {
	sig, err := s.repo.FindByID(ctx, signatureID)
	if err != nil {
		return nil, false, err
	}
	cert, err := s.certs.Get(ctx, sig.CertificateID)
	if err != nil {
		return nil, false, err
	}
	if sig.Algorithm != cert.Algorithm {
		slog.WarnContext(ctx, "signature algorithm does not match certificate",
			"signature_id", sig.ID,
			"certificate_id", cert.ID,
			"signature_algorithm", sig.Algorithm,
			"certificate_algorithm", cert.Algorithm,
		)
		return sig, false, nil
	}
	ok, err := s.Verify(ctx, sig, cert.PublicKey)
	if err != nil {
		return nil, false, err
	}
	return sig, ok, nil
}

// ListForEntry は指定されたエントリへの署名一覧を取得する。
func (s *SignatureService) ListForEntry(ctx context.Context, entryID int64) ([]*domain.ElectronicSignature, error) {
	if _, err := s.entries.FindBySequence(ctx, entryID); err != nil {
		return nil, err
	}
	return s.repo.ListByAuditEntryID(ctx, entryID)
}
