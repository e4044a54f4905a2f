// Package migrations はMySQL向けのスキーマ定義SQLを埋め込んで提供する。
package migrations

import "embed"

// FS はバージョン順に適用する.sqlファイル群。
//
//go:embed *.sql
var FS embed.FS
