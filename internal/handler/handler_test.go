package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/middleware"
	"audit-ledger-service/internal/repository"
	"audit-ledger-service/internal/usecase"
)

// testClock はテストから進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testHandlers struct {
	db    *gorm.DB
	clock *testClock
	audit *AuditHandler
	sigs  *SignatureHandler
	certs *CertificateHandler
}

func setupHandlers(t *testing.T) *testHandlers {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	entries := repository.NewAuditEntryRepository(db)
	algorithms := usecase.DefaultAlgorithms()

	ledger := usecase.NewLedgerService(entries, nil, usecase.LedgerOptions{
		RetryBaseDelay: time.Millisecond,
		Now:            clock.Now,
	})
	certs := usecase.NewCertificateService(repository.NewCertificateRepository(db), nil, algorithms, usecase.CertificateOptions{
		Validity: 24 * time.Hour,
		KeyWrap:  usecase.KeyWrapParams{Time: 1, MemoryKiB: 64, Threads: 1},
		Now:      clock.Now,
	})
	signatures := usecase.NewSignatureService(repository.NewSignatureRepository(db), entries, certs, algorithms, clock.Now)
	catalog, err := domain.NewActionCatalog(domain.DefaultActionMapping())
	if err != nil {
		t.Fatal(err)
	}
	gateway := usecase.NewAuditGateway(ledger, signatures, catalog)

	return &testHandlers{
		db:    db,
		clock: clock,
		audit: NewAuditHandler(gateway, ledger),
		sigs:  NewSignatureHandler(gateway, signatures),
		certs: NewCertificateHandler(certs, []string{"QA Administrator"}),
	}
}

func newRequest(t *testing.T, method, target string, body any, params map[string]string, id *middleware.Identity) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if id != nil {
		ctx = middleware.WithIdentity(ctx, *id)
	}
	return req.WithContext(ctx)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	decodeBody(t, rec, &resp)
	return resp.Code
}

var qaUser = &middleware.Identity{UserID: "qa-01", Role: "QA Manager", SessionID: "sess-1"}

func createEntry(t *testing.T, h *testHandlers, body CreateEntryRequest) int64 {
	t.Helper()
	rec := httptest.NewRecorder()
	h.audit.CreateEntry(rec, newRequest(t, http.MethodPost, "/v1/audit/entries", body, nil, qaUser))
	if rec.Code != http.StatusCreated {
		t.Fatalf("want status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CreateEntryResponse
	decodeBody(t, rec, &resp)
	return resp.SequenceNumber
}

func formulaCreated() CreateEntryRequest {
	return CreateEntryRequest{
		Event:           "formula.created",
		SubjectTable:    "formulas",
		SubjectRecordID: "F-001",
		AfterState:      json.RawMessage(`{"name":"Aspirin","strength_mg":100}`),
		Reason:          "initial registration",
	}
}
