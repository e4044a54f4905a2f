package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"audit-ledger-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// :memory:は接続ごとに別DBになるため1接続に固定
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func strPtr(s string) *string { return &s }

func testDraft(action, recordID string) *domain.AuditEntryDraft {
	return &domain.AuditEntryDraft{
		ActorID:         strPtr("user-1"),
		ActionType:      action,
		SubjectTable:    "formulas",
		SubjectRecordID: recordID,
		AfterState:      []byte(`{"v":1}`),
	}
}

func appendDraft(t *testing.T, repo *AuditEntryRepository, d *domain.AuditEntryDraft, now time.Time) *domain.AuditEntry {
	t.Helper()
	entry, err := repo.AppendEntry(context.Background(), func(tail domain.ChainTail) (*domain.AuditEntry, error) {
		return domain.NewEntryFromDraft(d, tail, now)
	})
	if err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	return entry
}

func TestAuditEntryRepository_AppendEntry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := appendDraft(t, repo, testDraft("CREATE_FORMULA", "F-001"), now)
	second := appendDraft(t, repo, testDraft("UPDATE_FORMULA", "F-001"), now.Add(time.Second))

	if first.SequenceNumber != 1 || first.PreviousHash != domain.GenesisHash {
		t.Errorf("unexpected first entry: seq=%d prev=%s", first.SequenceNumber, first.PreviousHash)
	}
	if second.SequenceNumber != 2 || second.PreviousHash != first.ContentHash {
		t.Errorf("unexpected second entry: seq=%d prev=%s", second.SequenceNumber, second.PreviousHash)
	}

	// 保存値から再計算したハッシュが一致する
	stored, err := repo.FindBySequence(ctx, 2)
	if err != nil {
		t.Fatalf("FindBySequence failed: %v", err)
	}
	got, err := stored.ComputeContentHash()
	if err != nil {
		t.Fatalf("ComputeContentHash failed: %v", err)
	}
	if got != stored.ContentHash {
		t.Errorf("stored entry hash mismatch: %s != %s", got, stored.ContentHash)
	}

	tail, err := repo.Tail(ctx)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if tail.SequenceNumber != 2 || tail.ContentHash != second.ContentHash {
		t.Errorf("unexpected tail: %+v", tail)
	}
}

func TestAuditEntryRepository_AppendEntry_StaleTailConflicts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	appendDraft(t, repo, testDraft("CREATE_FORMULA", "F-001"), now)

	// 古い末尾（空の台帳）から作ったエントリは挿入できない
	_, err := repo.AppendEntry(ctx, func(domain.ChainTail) (*domain.AuditEntry, error) {
		return domain.NewEntryFromDraft(testDraft("CREATE_FORMULA", "F-002"), domain.EmptyTail(), now)
	})
	if !errors.Is(err, domain.ErrAppendConflict) {
		t.Fatalf("expected ErrAppendConflict, got %v", err)
	}

	var count int64
	if err := db.Model(&AuditEntryModel{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestAuditEntryRepository_AppendEntry_BuildErrorIsReturned(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)

	_, err := repo.AppendEntry(context.Background(), func(domain.ChainTail) (*domain.AuditEntry, error) {
		return nil, domain.ErrInvalidDraft
	})
	if !errors.Is(err, domain.ErrInvalidDraft) {
		t.Errorf("expected ErrInvalidDraft, got %v", err)
	}
	if errors.Is(err, domain.ErrStorage) {
		t.Error("build errors must not be reported as storage errors")
	}
}

func TestAuditEntryRepository_FindByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	d := testDraft("CREATE_BATCH", "B-001")
	d.IdempotencyKey = strPtr("req-1")
	created := appendDraft(t, repo, d, now)

	found, err := repo.FindByIdempotencyKey(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindByIdempotencyKey failed: %v", err)
	}
	if found.SequenceNumber != created.SequenceNumber {
		t.Errorf("expected sequence %d, got %d", created.SequenceNumber, found.SequenceNumber)
	}

	if _, err := repo.FindByIdempotencyKey(ctx, "req-2"); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}

	// 同じキーでの2件目は一意制約で拒否される
	dup := testDraft("CREATE_BATCH", "B-002")
	dup.IdempotencyKey = strPtr("req-1")
	_, err = repo.AppendEntry(ctx, func(tail domain.ChainTail) (*domain.AuditEntry, error) {
		return domain.NewEntryFromDraft(dup, tail, now)
	})
	if !errors.Is(err, domain.ErrAppendConflict) {
		t.Errorf("expected ErrAppendConflict, got %v", err)
	}
}

func TestAuditEntryRepository_FindBySequence_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)

	if _, err := repo.FindBySequence(context.Background(), 42); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestAuditEntryRepository_Tail_Empty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)

	tail, err := repo.Tail(context.Background())
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if tail != domain.EmptyTail() {
		t.Errorf("expected empty tail, got %+v", tail)
	}
}

func TestAuditEntryRepository_List(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	appendDraft(t, repo, testDraft("CREATE_FORMULA", "F-001"), now)
	appendDraft(t, repo, testDraft("CREATE_FORMULA", "F-002"), now.Add(time.Second))
	appendDraft(t, repo, testDraft("UPDATE_FORMULA", "F-001"), now.Add(2*time.Second))
	other := testDraft("CREATE_BATCH", "B-001")
	other.ActorID = strPtr("user-2")
	other.SubjectTable = "batches"
	appendDraft(t, repo, other, now.Add(3*time.Second))

	t.Run("default order is descending", func(t *testing.T) {
		entries, err := repo.List(ctx, domain.AuditFilter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(entries) != 4 || entries[0].SequenceNumber != 4 || entries[3].SequenceNumber != 1 {
			t.Errorf("unexpected order: %v", sequences(entries))
		}
	})

	t.Run("filter by subject", func(t *testing.T) {
		entries, err := repo.List(ctx, domain.AuditFilter{SubjectTable: "formulas", SubjectRecordID: "F-001", Ascending: true})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := sequences(entries); len(got) != 2 || got[0] != 1 || got[1] != 3 {
			t.Errorf("expected [1 3], got %v", got)
		}
	})

	t.Run("filter by actor and action", func(t *testing.T) {
		entries, err := repo.List(ctx, domain.AuditFilter{ActorID: "user-2", ActionType: "CREATE_BATCH"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := sequences(entries); len(got) != 1 || got[0] != 4 {
			t.Errorf("expected [4], got %v", got)
		}
	})

	t.Run("time range", func(t *testing.T) {
		from := now.Add(time.Second)
		to := now.Add(3 * time.Second)
		entries, err := repo.List(ctx, domain.AuditFilter{From: &from, To: &to, Ascending: true})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := sequences(entries); len(got) != 2 || got[0] != 2 || got[1] != 3 {
			t.Errorf("expected [2 3], got %v", got)
		}
	})

	t.Run("cursor paging", func(t *testing.T) {
		page1, err := repo.List(ctx, domain.AuditFilter{Limit: 2})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		page2, err := repo.List(ctx, domain.AuditFilter{Limit: 2, Cursor: page1[len(page1)-1].SequenceNumber})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := append(sequences(page1), sequences(page2)...); len(got) != 4 || got[0] != 4 || got[3] != 1 {
			t.Errorf("expected [4 3 2 1], got %v", got)
		}

		asc, err := repo.List(ctx, domain.AuditFilter{Limit: 2, Cursor: 2, Ascending: true})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if got := sequences(asc); len(got) != 2 || got[0] != 3 || got[1] != 4 {
			t.Errorf("expected [3 4], got %v", got)
		}
	})
}

func TestAuditEntryRepository_FindRange(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewAuditEntryRepository(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		appendDraft(t, repo, testDraft("CREATE_FORMULA", "F-001"), now.Add(time.Duration(i)*time.Second))
	}

	entries, err := repo.FindRange(ctx, 2, 4, 10)
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if got := sequences(entries); len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Errorf("expected [2 3 4], got %v", got)
	}

	limited, err := repo.FindRange(ctx, 1, 5, 2)
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 entries, got %d", len(limited))
	}
}

func sequences(entries []*domain.AuditEntry) []int64 {
	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i] = e.SequenceNumber
	}
	return seqs
}
