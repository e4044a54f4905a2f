package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"audit-ledger-service/config"
	"audit-ledger-service/internal/middleware"
)

// NewRouter はルーターを生成する。トレーシング有効時はotelhttpでラップする。
func NewRouter(audit *AuditHandler, signatures *SignatureHandler, certs *CertificateHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.IdentityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/audit", func(r chi.Router) {
			r.Get("/verify", audit.VerifyChain)
			r.Route("/entries", func(r chi.Router) {
				r.Post("/", audit.CreateEntry)
				r.Get("/", audit.ListEntries)
				r.Get("/{sequence}", audit.GetEntry)
				r.Post("/{sequence}/signatures", signatures.CreateSignature)
				r.Get("/{sequence}/signatures", signatures.ListSignatures)
			})
		})
		r.Get("/signatures/{signature_id}/verify", signatures.VerifySignature)
		r.Route("/users/{user_id}/certificates", func(r chi.Router) {
			r.Post("/", certs.IssueCertificate)
			r.Get("/", certs.ListCertificates)
			r.Get("/active", certs.GetActiveCertificate)
		})
		r.Delete("/certificates/{certificate_id}", certs.RevokeCertificate)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName,
			otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
				return req.Method + " " + req.URL.Path
			}),
		)
	}
	return r
}
