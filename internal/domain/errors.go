package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDraft は呼び出し元が台帳の割り当てる項目を指定した、または必須項目が欠けている場合のエラー。
	ErrInvalidDraft = errors.New("invalid audit entry draft")

	// ErrConcurrencyConflict は追記の競合がリトライ上限を超えた場合のエラー。
	ErrConcurrencyConflict = errors.New("concurrent append conflict")

	// ErrAppendConflict はストレージ層で末尾が他のトランザクションに進められた場合のエラー（リトライ対象）。
	ErrAppendConflict = errors.New("chain tail moved")

	// ErrIdempotencyKeyReused は同じ冪等キーで異なる内容が追記されようとした場合のエラー。
	ErrIdempotencyKeyReused = errors.New("idempotency key reused with different content")

	// ErrEntryNotFound は指定された監査エントリが存在しない場合のエラー。
	ErrEntryNotFound = errors.New("audit entry not found")

	// ErrInvalidRange は検証・検索範囲が不正な場合のエラー。
	ErrInvalidRange = errors.New("invalid sequence range")

	// ErrUnmappedAction はアクション対応表に存在しないイベントの場合のエラー。
	ErrUnmappedAction = errors.New("unmapped action")

	// ErrCertificateUnavailable は署名に使える証明書がない場合の親エラー。
	ErrCertificateUnavailable = errors.New("certificate unavailable")

	// ErrNoActiveCertificate は有効な証明書が一度も発行されていない場合のエラー。
	ErrNoActiveCertificate = fmt.Errorf("%w: no active certificate", ErrCertificateUnavailable)

	// ErrCertificateExpired は証明書の有効期限が切れている場合のエラー。
	ErrCertificateExpired = fmt.Errorf("%w: certificate expired", ErrCertificateUnavailable)

	// ErrCertificateRevoked は証明書が失効している場合のエラー。
	ErrCertificateRevoked = fmt.Errorf("%w: certificate revoked", ErrCertificateUnavailable)

	// ErrCertificateNotFound は指定された証明書が存在しない場合のエラー。
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateConflict は同一ユーザーの証明書発行が並行して行われた場合のエラー。
	ErrCertificateConflict = errors.New("concurrent certificate issuance")

	// ErrUnsupportedAlgorithm は署名アルゴリズムが未対応の場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported signature algorithm")

	// ErrInvalidCredential は鍵の復号に失敗した場合のエラー。理由は開示しない。
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrSignatureNotFound は指定された電子署名が存在しない場合のエラー。
	ErrSignatureNotFound = errors.New("signature not found")

	// ErrInvalidSignatureRequest は署名要求の必須項目が欠けている場合のエラー。
	ErrInvalidSignatureRequest = errors.New("invalid signature request")

	// ErrIntegrityViolation はハッシュチェーンの不整合を表す。呼び出し元のワークフローにとって常に致命的。
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrStorage はストレージ基盤の一時的な障害を表す。
	ErrStorage = errors.New("storage error")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// StorageError はストレージ障害をErrStorageとして判定できる形に包む。
func StorageError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrStorage, err))
}
