package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"audit-ledger-service/internal/domain"
)

// mockSignatureRepository はテスト用のモックリポジトリ。
type mockSignatureRepository struct {
	mu   sync.Mutex
	sigs []*domain.ElectronicSignature
}

func (m *mockSignatureRepository) Create(ctx context.Context, sig *domain.ElectronicSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	cp := *sig
	m.sigs = append(m.sigs, &cp)
	return nil
}

func (m *mockSignatureRepository) FindByID(ctx context.Context, id string) (*domain.ElectronicSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sigs {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrSignatureNotFound
}

func (m *mockSignatureRepository) ListByAuditEntryID(ctx context.Context, entryID int64) ([]*domain.ElectronicSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ElectronicSignature
	for _, s := range m.sigs {
		if s.AuditEntryID == entryID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSignatureRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sigs)
}

type signatureFixture struct {
	entries *fakeEntryStore
	certs   *CertificateService
	sigs    *mockSignatureRepository
	clock   *testClock
	svc     *SignatureService
}

func newSignatureFixture(t *testing.T, entryCount int) *signatureFixture {
	t.Helper()
	clock := newTestClock()
	entries := newFakeEntryStore()
	ledger := newTestLedger(entries, nil)
	appendN(t, ledger, entryCount)

	certs := newTestCertificateService(newMockCertificateRepository(), nil, clock)
	sigs := &mockSignatureRepository{}
	return &signatureFixture{
		entries: entries,
		certs:   certs,
		sigs:    sigs,
		clock:   clock,
		svc:     NewSignatureService(sigs, entries, certs, DefaultAlgorithms(), clock.Now),
	}
}

func signRequest(entryID int64) domain.SignRequest {
	return domain.SignRequest{
		AuditEntryID:     entryID,
		SignerID:         "user-1",
		SignerRole:       "QA Manager",
		CredentialSecret: testSecret,
		Meaning:          "Approved",
		Reason:           "Batch record reviewed",
		Context:          domain.SignatureContext{ClientAddress: "10.0.0.5", ClientAgent: "qms-web"},
	}
}

func TestSignatureService_SignAndVerify(t *testing.T) {
	for _, alg := range []domain.Algorithm{domain.AlgorithmEd25519, domain.AlgorithmECDSAP256, domain.AlgorithmRSAPSS} {
		t.Run(string(alg), func(t *testing.T) {
			f := newSignatureFixture(t, 2)
			cert, err := f.certs.Issue(context.Background(), "user-1", alg, testSecret)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}

			sig, err := f.svc.Sign(context.Background(), signRequest(2))
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if sig.ID == "" || sig.CertificateID != cert.ID || sig.Algorithm != alg {
				t.Errorf("unexpected signature record: %+v", sig)
			}

			ok, err := f.svc.Verify(context.Background(), sig, cert.PublicKey)
			if err != nil || !ok {
				t.Errorf("want valid signature, got ok=%v err=%v", ok, err)
			}

			stored, ok, err := f.svc.VerifyByID(context.Background(), sig.ID)
			if err != nil || !ok {
				t.Errorf("want stored signature valid, got ok=%v err=%v", ok, err)
			}
			if stored.Meaning != "Approved" {
				t.Errorf("want meaning Approved, got %s", stored.Meaning)
			}
		})
	}
}

func TestSignatureService_Verify_Rejects(t *testing.T) {
	f := newSignatureFixture(t, 2)
	cert, err := f.certs.Issue(context.Background(), "user-1", "", testSecret)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	sig, err := f.svc.Sign(context.Background(), signRequest(1))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	t.Run("replayed onto another entry", func(t *testing.T) {
		replayed := *sig
		replayed.AuditEntryID = 2
		ok, err := f.svc.Verify(context.Background(), &replayed, cert.PublicKey)
		if err != nil || ok {
			t.Errorf("want invalid, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("meaning altered", func(t *testing.T) {
		altered := *sig
		altered.Meaning = "Rejected"
		ok, err := f.svc.Verify(context.Background(), &altered, cert.PublicKey)
		if err != nil || ok {
			t.Errorf("want invalid, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("entry hash changed after signing", func(t *testing.T) {
		f.entries.tamper(1, func(e *domain.AuditEntry) {
			e.AfterState = []byte(`{"rev":2}`)
			e.ContentHash, _ = e.ComputeContentHash()
		})
		ok, err := f.svc.Verify(context.Background(), sig, cert.PublicKey)
		if err != nil || ok {
			t.Errorf("want invalid, got ok=%v err=%v", ok, err)
		}
	})
}

func TestSignatureService_Sign_Preconditions(t *testing.T) {
	t.Run("entry not found", func(t *testing.T) {
		f := newSignatureFixture(t, 1)
		if _, err := f.certs.Issue(context.Background(), "user-1", "", testSecret); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		if _, err := f.svc.Sign(context.Background(), signRequest(9)); !errors.Is(err, domain.ErrEntryNotFound) {
			t.Errorf("want ErrEntryNotFound, got %v", err)
		}
		if f.sigs.count() != 0 {
			t.Error("want no signature stored")
		}
	})

	t.Run("expired certificate", func(t *testing.T) {
		f := newSignatureFixture(t, 1)
		if _, err := f.certs.Issue(context.Background(), "user-1", "", testSecret); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		f.clock.Advance(25 * time.Hour)
		if _, err := f.svc.Sign(context.Background(), signRequest(1)); !errors.Is(err, domain.ErrCertificateExpired) {
			t.Errorf("want ErrCertificateExpired, got %v", err)
		}
		if f.sigs.count() != 0 {
			t.Error("want no signature stored")
		}
	})

	t.Run("no certificate", func(t *testing.T) {
		f := newSignatureFixture(t, 1)
		if _, err := f.svc.Sign(context.Background(), signRequest(1)); !errors.Is(err, domain.ErrNoActiveCertificate) {
			t.Errorf("want ErrNoActiveCertificate, got %v", err)
		}
	})

	t.Run("wrong credential", func(t *testing.T) {
		f := newSignatureFixture(t, 1)
		if _, err := f.certs.Issue(context.Background(), "user-1", "", testSecret); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		req := signRequest(1)
		req.CredentialSecret = []byte("0000")
		_, err := f.svc.Sign(context.Background(), req)
		if !errors.Is(err, domain.ErrInvalidCredential) {
			t.Errorf("want ErrInvalidCredential, got %v", err)
		}
		if f.sigs.count() != 0 {
			t.Error("want no signature stored")
		}
	})

	t.Run("missing meaning", func(t *testing.T) {
		f := newSignatureFixture(t, 1)
		req := signRequest(1)
		req.Meaning = ""
		if _, err := f.svc.Sign(context.Background(), req); !errors.Is(err, domain.ErrInvalidSignatureRequest) {
			t.Errorf("want ErrInvalidSignatureRequest, got %v", err)
		}
	})
}

func TestSignatureService_ListForEntry(t *testing.T) {
	f := newSignatureFixture(t, 2)
	if _, err := f.certs.Issue(context.Background(), "user-1", "", testSecret); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	for range 2 {
		if _, err := f.svc.Sign(context.Background(), signRequest(1)); err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
	}

	sigs, err := f.svc.ListForEntry(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListForEntry failed: %v", err)
	}
	if len(sigs) != 2 {
		t.Errorf("want 2 signatures, got %d", len(sigs))
	}
	if _, err := f.svc.ListForEntry(context.Background(), 5); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Errorf("want ErrEntryNotFound, got %v", err)
	}
	if _, _, err := f.svc.VerifyByID(context.Background(), "missing"); !errors.Is(err, domain.ErrSignatureNotFound) {
		t.Errorf("want ErrSignatureNotFound, got %v", err)
	}
}

func TestSignatureService_VerifyByID_AlgorithmMismatch(t *testing.T) {
	f := newSignatureFixture(t, 1)
	if _, err := f.certs.Issue(context.Background(), "user-1", domain.AlgorithmEd25519, testSecret); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	sig, err := f.svc.Sign(context.Background(), signRequest(1))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	f.sigs.mu.Lock()
	f.sigs.sigs[0].Algorithm = domain.AlgorithmECDSAP256
	f.sigs.mu.Unlock()

	stored, ok, err := f.svc.VerifyByID(context.Background(), sig.ID)
	if err != nil {
		t.Fatalf("want no error for a rewritten algorithm, got %v", err)
	}
	if ok {
		t.Error("want signature with a rewritten algorithm to be invalid")
	}
	if stored == nil || stored.ID != sig.ID {
		t.Errorf("want stored signature returned, got %+v", stored)
	}
}
