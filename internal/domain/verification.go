package domain

import (
	"fmt"
	"time"
)

// ViolationReason は整合性違反の種類を表す。
type ViolationReason string

const (
	// ReasonHashMismatch は保存された項目から再計算したハッシュが一致しないことを表す。
	ReasonHashMismatch ViolationReason = "HashMismatch"
	// ReasonChainBreak はpreviousHashが直前エントリのハッシュと一致しないことを表す。
	ReasonChainBreak ViolationReason = "ChainBreak"
	// ReasonMissingSequence はシーケンス番号の欠番を表す。
	ReasonMissingSequence ViolationReason = "MissingSequence"
)

// IntegrityViolation はチェーン検証で検出された不整合を表すエラー。
type IntegrityViolation struct {
	AtSequence int64
	Reason     ViolationReason
	Expected   string
	Actual     string
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation at sequence %d: %s", v.AtSequence, v.Reason)
}

// Is はerrors.Is(err, ErrIntegrityViolation)を成立させる。
func (v *IntegrityViolation) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// VerificationResult はverifyChainの結果を表す。
type VerificationResult struct {
	FromSequence   int64
	ToSequence     int64
	EntriesChecked int64
	Violation      *IntegrityViolation
	VerifiedAt     time.Time
}

// Verified は違反が検出されなかったかを返す。
func (r *VerificationResult) Verified() bool {
	return r.Violation == nil
}

// Err は違反をエラーとして返す。検証成功時はnil。
func (r *VerificationResult) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}
