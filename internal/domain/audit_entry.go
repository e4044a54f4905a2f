// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash は最初のエントリのpreviousHashに使う番兵値。
var GenesisHash = strings.Repeat("0", 64)

// canonicalVersion はハッシュ対象の正規化形式のバージョン。
const canonicalVersion = 1

// EntryContext はアクションの発生元メタデータを表す。
type EntryContext struct {
	ClientAddress string
	ClientAgent   string
	Reason        string
}

// AuditEntry は1つのアクションに関する不変の事実を表す。
type AuditEntry struct {
	SequenceNumber  int64
	ActorID         *string
	SessionID       *string
	ActionType      string
	SubjectTable    string
	SubjectRecordID string
	BeforeState     []byte
	AfterState      []byte
	Timestamp       time.Time
	Context         EntryContext
	ContentHash     string
	PreviousHash    string
	IdempotencyKey  *string
}

// AuditEntryDraft は追記要求を表す。
// SequenceNumber/ContentHash/PreviousHashは台帳が割り当てるため、ゼロ値でなければならない。
type AuditEntryDraft struct {
	SequenceNumber  int64
	ContentHash     string
	PreviousHash    string
	ActorID         *string
	SessionID       *string
	ActionType      string
	SubjectTable    string
	SubjectRecordID string
	BeforeState     []byte
	AfterState      []byte
	Context         EntryContext
	IdempotencyKey  *string
}

// Validate はドラフトが追記可能か検証する。
func (d *AuditEntryDraft) Validate() error {
	if d.SequenceNumber != 0 {
		return fmt.Errorf("%w: sequence number is assigned by the ledger", ErrInvalidDraft)
	}
	if d.ContentHash != "" {
		return fmt.Errorf("%w: content hash is computed by the ledger", ErrInvalidDraft)
	}
	if d.PreviousHash != "" {
		return fmt.Errorf("%w: previous hash is assigned by the ledger", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.ActionType) == "" {
		return fmt.Errorf("%w: action type is required", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.SubjectTable) == "" {
		return fmt.Errorf("%w: subject table is required", ErrInvalidDraft)
	}
	return nil
}

// SameContent は冪等キーによる再送が同じ内容か判定する。
// 接続ごとに変わるClientAddressとClientAgentは比較しない。
func (d *AuditEntryDraft) SameContent(e *AuditEntry) bool {
	return d.ActionType == e.ActionType &&
		d.SubjectTable == e.SubjectTable &&
		d.SubjectRecordID == e.SubjectRecordID &&
		equalPtr(d.ActorID, e.ActorID) &&
		equalPtr(d.SessionID, e.SessionID) &&
		d.Context.Reason == e.Context.Reason &&
		bytes.Equal(d.BeforeState, e.BeforeState) &&
		bytes.Equal(d.AfterState, e.AfterState)
}

// ChainTail は台帳末尾のエントリを表す。空の台帳ではSequenceNumber=0、Hash=GenesisHash。
type ChainTail struct {
	SequenceNumber int64
	ContentHash    string
	Timestamp      time.Time
}

// EmptyTail は空の台帳の末尾を返す。
func EmptyTail() ChainTail {
	return ChainTail{SequenceNumber: 0, ContentHash: GenesisHash}
}

// NormalizeTimestamp は保存精度（マイクロ秒、UTC）に丸める。
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// canonicalEntry はハッシュ計算用の正規化表現。フィールド順がエンコード順になる。
type canonicalEntry struct {
	Version         int     `json:"v"`
	SequenceNumber  int64   `json:"seq"`
	ActorID         *string `json:"actor_id"`
	SessionID       *string `json:"session_id"`
	ActionType      string  `json:"action_type"`
	SubjectTable    string  `json:"subject_table"`
	SubjectRecordID string  `json:"subject_record_id"`
	BeforeState     []byte  `json:"before_state"`
	AfterState      []byte  `json:"after_state"`
	Timestamp       string  `json:"timestamp"`
	ClientAddress   string  `json:"client_address"`
	ClientAgent     string  `json:"client_agent"`
	Reason          string  `json:"reason"`
	PreviousHash    string  `json:"previous_hash"`
}

// CanonicalBytes はエントリのハッシュ対象バイト列を返す。
func (e *AuditEntry) CanonicalBytes() ([]byte, error) {
	return json.Marshal(canonicalEntry{
		Version:         canonicalVersion,
		SequenceNumber:  e.SequenceNumber,
		ActorID:         emptyToNil(e.ActorID),
		SessionID:       emptyToNil(e.SessionID),
		ActionType:      e.ActionType,
		SubjectTable:    e.SubjectTable,
		SubjectRecordID: e.SubjectRecordID,
		BeforeState:     nilIfEmpty(e.BeforeState),
		AfterState:      nilIfEmpty(e.AfterState),
		Timestamp:       NormalizeTimestamp(e.Timestamp).Format(time.RFC3339Nano),
		ClientAddress:   e.Context.ClientAddress,
		ClientAgent:     e.Context.ClientAgent,
		Reason:          e.Context.Reason,
		PreviousHash:    e.PreviousHash,
	})
}

// ComputeContentHash は保存された項目からcontentHashを再計算する。
func (e *AuditEntry) ComputeContentHash() (string, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("encoding canonical entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// NewEntryFromDraft は末尾情報からシーケンス番号・タイムスタンプ・ハッシュを割り当てたエントリを作る。
// タイムスタンプは末尾のタイムスタンプより前にならないよう補正する。
func NewEntryFromDraft(d *AuditEntryDraft, tail ChainTail, now time.Time) (*AuditEntry, error) {
	ts := NormalizeTimestamp(now)
	if !tail.Timestamp.IsZero() {
		if prev := NormalizeTimestamp(tail.Timestamp); ts.Before(prev) {
			ts = prev
		}
	}

	entry := &AuditEntry{
		SequenceNumber:  tail.SequenceNumber + 1,
		ActorID:         emptyToNil(d.ActorID),
		SessionID:       emptyToNil(d.SessionID),
		ActionType:      d.ActionType,
		SubjectTable:    d.SubjectTable,
		SubjectRecordID: d.SubjectRecordID,
		BeforeState:     nilIfEmpty(d.BeforeState),
		AfterState:      nilIfEmpty(d.AfterState),
		Timestamp:       ts,
		Context:         d.Context,
		PreviousHash:    tail.ContentHash,
		IdempotencyKey:  emptyToNil(d.IdempotencyKey),
	}
	hash, err := entry.ComputeContentHash()
	if err != nil {
		return nil, err
	}
	entry.ContentHash = hash
	return entry, nil
}

// AuditFilter は監査証跡の検索条件を表す。
// Cursorはシーケンス番号で、降順ではそれより小さい、昇順ではそれより大きいエントリを返す。
type AuditFilter struct {
	ActorID         string
	ActionType      string
	SubjectTable    string
	SubjectRecordID string
	From            *time.Time
	To              *time.Time
	Cursor          int64
	Ascending       bool
	Limit           int
}

// Page は検索結果の1ページを表す。
type Page struct {
	Entries    []*AuditEntry
	NextCursor int64
	HasMore    bool
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func equalPtr(a, b *string) bool {
	a, b = emptyToNil(a), emptyToNil(b)
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
