package domain

import (
	"errors"
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func newTestDraft() *AuditEntryDraft {
	return &AuditEntryDraft{
		ActorID:         strPtr("user-1"),
		SessionID:       strPtr("session-1"),
		ActionType:      "CREATE_FORMULA",
		SubjectTable:    "formulas",
		SubjectRecordID: "F-001",
		AfterState:      []byte(`{"name":"Aspirin 100mg"}`),
		Context:         EntryContext{ClientAddress: "10.0.0.1", ClientAgent: "qms-web", Reason: "initial entry"},
	}
}

func TestAuditEntryDraft_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *AuditEntryDraft)
		wantErr bool
	}{
		{name: "valid", mutate: func(d *AuditEntryDraft) {}},
		{name: "sequence number set", mutate: func(d *AuditEntryDraft) { d.SequenceNumber = 5 }, wantErr: true},
		{name: "content hash set", mutate: func(d *AuditEntryDraft) { d.ContentHash = "abc" }, wantErr: true},
		{name: "previous hash set", mutate: func(d *AuditEntryDraft) { d.PreviousHash = GenesisHash }, wantErr: true},
		{name: "missing action type", mutate: func(d *AuditEntryDraft) { d.ActionType = " " }, wantErr: true},
		{name: "missing subject table", mutate: func(d *AuditEntryDraft) { d.SubjectTable = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDraft()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDraft) {
					t.Errorf("expected ErrInvalidDraft, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewEntryFromDraft_GenesisAndLinkage(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)

	first, err := NewEntryFromDraft(newTestDraft(), EmptyTail(), now)
	if err != nil {
		t.Fatalf("NewEntryFromDraft failed: %v", err)
	}
	if first.SequenceNumber != 1 {
		t.Errorf("expected sequence 1, got %d", first.SequenceNumber)
	}
	if first.PreviousHash != GenesisHash {
		t.Errorf("expected genesis previous hash, got %s", first.PreviousHash)
	}
	if len(first.ContentHash) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(first.ContentHash))
	}
	// マイクロ秒に丸められる
	if first.Timestamp.Nanosecond()%1000 != 0 {
		t.Errorf("expected microsecond precision, got %v", first.Timestamp)
	}

	tail := ChainTail{SequenceNumber: first.SequenceNumber, ContentHash: first.ContentHash, Timestamp: first.Timestamp}
	draft := newTestDraft()
	draft.ActionType = "UPDATE_FORMULA"
	second, err := NewEntryFromDraft(draft, tail, now.Add(time.Second))
	if err != nil {
		t.Fatalf("NewEntryFromDraft failed: %v", err)
	}
	if second.SequenceNumber != 2 {
		t.Errorf("expected sequence 2, got %d", second.SequenceNumber)
	}
	if second.PreviousHash != first.ContentHash {
		t.Errorf("expected previous hash %s, got %s", first.ContentHash, second.PreviousHash)
	}
}

func TestNewEntryFromDraft_ClampsTimestamp(t *testing.T) {
	tailTime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tail := ChainTail{SequenceNumber: 3, ContentHash: GenesisHash, Timestamp: tailTime}

	entry, err := NewEntryFromDraft(newTestDraft(), tail, tailTime.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NewEntryFromDraft failed: %v", err)
	}
	if !entry.Timestamp.Equal(tailTime) {
		t.Errorf("expected timestamp clamped to %v, got %v", tailTime, entry.Timestamp)
	}
}

func TestComputeContentHash_Deterministic(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*60*60))
	a, err := NewEntryFromDraft(newTestDraft(), EmptyTail(), now)
	if err != nil {
		t.Fatalf("NewEntryFromDraft failed: %v", err)
	}
	b, err := NewEntryFromDraft(newTestDraft(), EmptyTail(), now.UTC())
	if err != nil {
		t.Fatalf("NewEntryFromDraft failed: %v", err)
	}
	if a.ContentHash != b.ContentHash {
		t.Errorf("expected identical hashes regardless of zone, got %s and %s", a.ContentHash, b.ContentHash)
	}

	recomputed, err := a.ComputeContentHash()
	if err != nil {
		t.Fatalf("ComputeContentHash failed: %v", err)
	}
	if recomputed != a.ContentHash {
		t.Errorf("recomputed hash differs: %s != %s", recomputed, a.ContentHash)
	}
}

func TestComputeContentHash_DetectsFieldTampering(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tamperers := map[string]func(e *AuditEntry){
		"after state byte": func(e *AuditEntry) { e.AfterState[2] ^= 0x01 },
		"actor":            func(e *AuditEntry) { e.ActorID = strPtr("user-2") },
		"action type":      func(e *AuditEntry) { e.ActionType = "DELETE_FORMULA" },
		"record id":        func(e *AuditEntry) { e.SubjectRecordID = "F-002" },
		"timestamp":        func(e *AuditEntry) { e.Timestamp = e.Timestamp.Add(time.Microsecond) },
		"reason":           func(e *AuditEntry) { e.Context.Reason = "edited" },
		"previous hash":    func(e *AuditEntry) { e.PreviousHash = "f" + e.PreviousHash[1:] },
		"sequence":         func(e *AuditEntry) { e.SequenceNumber = 9 },
	}

	for name, tamper := range tamperers {
		t.Run(name, func(t *testing.T) {
			entry, err := NewEntryFromDraft(newTestDraft(), EmptyTail(), now)
			if err != nil {
				t.Fatalf("NewEntryFromDraft failed: %v", err)
			}
			tamper(entry)
			got, err := entry.ComputeContentHash()
			if err != nil {
				t.Fatalf("ComputeContentHash failed: %v", err)
			}
			if got == entry.ContentHash {
				t.Error("expected hash to change after tampering")
			}
		})
	}
}

func TestNewEntryFromDraft_NormalizesEmptyValues(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	withEmpty := newTestDraft()
	withEmpty.SessionID = strPtr("")
	withEmpty.BeforeState = []byte{}
	withNil := newTestDraft()
	withNil.SessionID = nil
	withNil.BeforeState = nil

	a, _ := NewEntryFromDraft(withEmpty, EmptyTail(), now)
	b, _ := NewEntryFromDraft(withNil, EmptyTail(), now)
	if a.ContentHash != b.ContentHash {
		t.Error("expected empty and nil values to hash identically")
	}
}

func TestAuditEntryDraft_SameContent(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entry, _ := NewEntryFromDraft(newTestDraft(), EmptyTail(), now)

	tests := []struct {
		name   string
		mutate func(d *AuditEntryDraft)
		want   bool
	}{
		{name: "identical", mutate: func(d *AuditEntryDraft) {}, want: true},
		{name: "retry from another connection", mutate: func(d *AuditEntryDraft) {
			d.Context.ClientAddress = "10.0.0.2"
			d.Context.ClientAgent = "qms-web/2"
		}, want: true},
		{name: "after state changed", mutate: func(d *AuditEntryDraft) { d.AfterState = []byte(`{"name":"Aspirin 200mg"}`) }},
		{name: "reason changed", mutate: func(d *AuditEntryDraft) { d.Context.Reason = "correction" }},
		{name: "session changed", mutate: func(d *AuditEntryDraft) { d.SessionID = strPtr("session-2") }},
		{name: "session dropped", mutate: func(d *AuditEntryDraft) { d.SessionID = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDraft()
			tt.mutate(d)
			if got := d.SameContent(entry); got != tt.want {
				t.Errorf("SameContent() = %v, want %v", got, tt.want)
			}
		})
	}
}
