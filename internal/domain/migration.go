package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は台帳スキーマのマイグレーションを表す
type Migration struct {
	Version   string     // バージョン（例: "001"）
	Name      string     // ファイル名から抽出した名前
	AppliedAt *time.Time // 未適用の場合はnil
	FilePath  string     // migrations/配下のファイルパス
	Status    MigrationStatus
}

// Pending は未適用かを返す
func (m *Migration) Pending() bool {
	return m.Status != MigrationStatusApplied
}
