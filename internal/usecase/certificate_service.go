package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"audit-ledger-service/internal/domain"
)

// CertificateRepository は証明書のデータアクセスのインターフェース。
type CertificateRepository interface {
	Supersede(ctx context.Context, cert *domain.UserCertificate, retire func(current *domain.UserCertificate)) (*domain.UserCertificate, error)
	FindByID(ctx context.Context, id string) (*domain.UserCertificate, error)
	FindActiveByUserID(ctx context.Context, userID string) (*domain.UserCertificate, error)
	FindLatestByUserID(ctx context.Context, userID string) (*domain.UserCertificate, error)
	ListByUserID(ctx context.Context, userID string) ([]*domain.UserCertificate, error)
	MarkExpired(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string, at time.Time, reason string) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// KMSClient は鍵素材のエンベロープ暗号化のインターフェース。aadは暗号文を保存先に束縛する。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

// CertificateOptions はCertificateServiceの動作設定。
type CertificateOptions struct {
	Validity         time.Duration
	DefaultAlgorithm domain.Algorithm
	KeyWrap          KeyWrapParams
	Now              func() time.Time
}

// CertificateService は署名者の証明書のライフサイクルを管理する。
// 発行と失効はユーザー単位で直列化する。
type CertificateService struct {
	repo       CertificateRepository
	kmsClient  KMSClient
	algorithms AlgorithmRegistry
	opts       CertificateOptions
	userLocks  sync.Map
}

// NewCertificateService は新しいCertificateServiceを生成する。kmsClientがnilの場合はエンベロープ暗号化を行わない。
func NewCertificateService(repo CertificateRepository, kmsClient KMSClient, algorithms AlgorithmRegistry, opts CertificateOptions) *CertificateService {
	if opts.Validity <= 0 {
		opts.Validity = 365 * 24 * time.Hour
	}
	if opts.DefaultAlgorithm == "" {
		opts.DefaultAlgorithm = domain.AlgorithmEd25519
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KeyWrap == (KeyWrapParams{}) {
		opts.KeyWrap = DefaultKeyWrapParams
	}
	return &CertificateService{
		repo:       repo,
		kmsClient:  kmsClient,
		algorithms: algorithms,
		opts:       opts,
	}
}

func (s *CertificateService) lockUser(userID string) func() {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func certificateAAD(certID, userID string) []byte {
	return []byte("user_certificates:" + certID + ":" + userID)
}

// Issue は新しい鍵ペアを生成し、credentialSecretで保護した証明書を有効として発行する。
// 既存の有効な証明書は失効（期限切れの場合は期限切れ）に遷移させる。
func (s *CertificateService) Issue(ctx context.Context, userID string, algorithm domain.Algorithm, credentialSecret []byte) (*domain.UserCertificate, error) {
	ctx, span := tracer.Start(ctx, "CertificateService.Issue",
		trace.WithAttributes(attribute.String("certificate.user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidSignatureRequest)
	}
	if len(credentialSecret) == 0 {
		return nil, domain.ErrInvalidCredential
	}
	if algorithm == "" {
		algorithm = s.opts.DefaultAlgorithm
	}
	alg, err := s.algorithms.Get(algorithm)
	if err != nil {
		return nil, err
	}

	privateKey, publicKey, err := alg.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	defer clear(privateKey)

	certID := uuid.NewString()
	aad := certificateAAD(certID, userID)
	material, err := wrapPrivateKey(credentialSecret, privateKey, aad, s.opts.KeyWrap)
	if err != nil {
		return nil, fmt.Errorf("wrapping private key: %w", err)
	}
	if s.kmsClient != nil {
		material, err = s.kmsClient.Encrypt(ctx, material, aad)
		if err != nil {
			return nil, fmt.Errorf("encrypting key material: %w", err)
		}
	}

	unlock := s.lockUser(userID)
	defer unlock()

	now := domain.NormalizeTimestamp(s.opts.Now())
	cert := &domain.UserCertificate{
		ID:                   certID,
		UserID:               userID,
		EncryptedKeyMaterial: material,
		PublicKey:            publicKey,
		Algorithm:            alg.Name(),
		Status:               domain.CertificateStatusActive,
		CreatedAt:            now,
		ExpiresAt:            now.Add(s.opts.Validity),
	}
	retired, err := s.repo.Supersede(ctx, cert, func(current *domain.UserCertificate) {
		if current.EffectiveStatus(now) == domain.CertificateStatusExpired {
			current.Status = domain.CertificateStatusExpired
			return
		}
		current.Status = domain.CertificateStatusRevoked
		current.RevokedAt = &now
		current.RevocationReason = "superseded by " + certID
	})
	if err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	if retired != nil {
		slog.InfoContext(ctx, "certificate superseded",
			"operation", "issue",
			"user_id", userID,
			"certificate_id", retired.ID,
			"status", retired.Status,
		)
	}
	return cert, nil
}

// Revoke は証明書を失効させる。既に失効済みの場合は何もしない。
func (s *CertificateService) Revoke(ctx context.Context, certificateID, reason string) error {
	ctx, span := tracer.Start(ctx, "CertificateService.Revoke")
	defer span.End()

	cert, err := s.repo.FindByID(ctx, certificateID)
	if err != nil {
		return err
	}

	unlock := s.lockUser(cert.UserID)
	defer unlock()

	changed, err := s.repo.Revoke(ctx, certificateID, domain.NormalizeTimestamp(s.opts.Now()), reason)
	if err != nil {
		return fmt.Errorf("revoking certificate: %w", err)
	}
	if changed {
		slog.InfoContext(ctx, "certificate revoked",
			"operation", "revoke",
			"user_id", cert.UserID,
			"certificate_id", certificateID,
		)
	}
	return nil
}

// GetActive は署名に使える証明書を取得する。
// 保存上のステータスに関わらず有効期限を現在時刻と比較し、期限切れであれば遷移させる。
func (s *CertificateService) GetActive(ctx context.Context, userID string) (*domain.UserCertificate, error) {
	now := s.opts.Now()

	cert, err := s.repo.FindActiveByUserID(ctx, userID)
	if err == nil {
		if unavailable := cert.UnavailableError(now); unavailable != nil {
			if err := s.repo.MarkExpired(ctx, cert.ID); err != nil {
				slog.WarnContext(ctx, "failed to mark certificate expired",
					"operation", "get_active",
					"certificate_id", cert.ID,
					"error", err,
				)
			}
			return nil, unavailable
		}
		return cert, nil
	}
	if !errors.Is(err, domain.ErrCertificateNotFound) {
		return nil, err
	}

	latest, err := s.repo.FindLatestByUserID(ctx, userID)
	if errors.Is(err, domain.ErrCertificateNotFound) {
		return nil, domain.ErrNoActiveCertificate
	}
	if err != nil {
		return nil, err
	}
	if unavailable := latest.UnavailableError(now); unavailable != nil {
		return nil, unavailable
	}
	return nil, domain.ErrNoActiveCertificate
}

// Get は指定されたIDの証明書を取得する。
func (s *CertificateService) Get(ctx context.Context, certificateID string) (*domain.UserCertificate, error) {
	return s.repo.FindByID(ctx, certificateID)
}

// ListByUser は指定されたユーザーの全証明書のメタデータを取得する。
func (s *CertificateService) ListByUser(ctx context.Context, userID string) ([]*domain.CertificateMetadata, error) {
	certs, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}

	now := s.opts.Now()
	metadata := make([]*domain.CertificateMetadata, len(certs))
	for i, c := range certs {
		metadata[i] = c.Metadata(now)
	}
	return metadata, nil
}

// ExpireDue は有効期限を過ぎた証明書を一括で期限切れに遷移させる。
func (s *CertificateService) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireDue(ctx, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("expiring certificates: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "certificates expired",
			"operation", "expire_due",
			"count", n,
		)
	}
	return n, nil
}

// UnwrapPrivateKey は証明書の秘密鍵をcredentialSecretで復号する。
// 資格情報が一致しない場合はdomain.ErrInvalidCredentialのみを返す。
func (s *CertificateService) UnwrapPrivateKey(ctx context.Context, cert *domain.UserCertificate, credentialSecret []byte) ([]byte, error) {
	aad := certificateAAD(cert.ID, cert.UserID)
	material := cert.EncryptedKeyMaterial
	if s.kmsClient != nil {
		var err error
		material, err = s.kmsClient.Decrypt(ctx, material, aad)
		if err != nil {
			return nil, fmt.Errorf("decrypting key material: %w", err)
		}
	}
	return unwrapPrivateKey(credentialSecret, material, aad, s.opts.KeyWrap)
}
