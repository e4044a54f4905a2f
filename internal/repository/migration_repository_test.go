package repository

import (
	"context"
	"testing"
)

func TestMigrationRepository_Apply(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewMigrationRepository(db)

	if err := repo.EnsureHistoryTable(ctx); err != nil {
		t.Fatalf("EnsureHistoryTable failed: %v", err)
	}
	err := repo.Apply(ctx, "900", []string{
		"CREATE TABLE batch_lots (id INTEGER PRIMARY KEY)",
		"INSERT INTO batch_lots (id) VALUES (1)",
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	applied, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(applied) != 1 || applied[0].Version != "900" || applied[0].AppliedAt == nil {
		t.Errorf("unexpected applied migrations: %+v", applied)
	}

	// 失敗したマイグレーションは履歴に残らない
	if err := repo.Apply(ctx, "901", []string{"NOT VALID SQL"}); err == nil {
		t.Fatal("expected error for invalid SQL")
	}
	applied, _ = repo.FindAllApplied(ctx)
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(applied))
	}
}
