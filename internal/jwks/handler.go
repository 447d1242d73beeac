package jwks

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/metrics"
)

// NewRouter expone el JWKS en el well-known path. Rutas:
//   - GET /.well-known/jwks.json             → issuer por defecto
//   - GET /t/{issuer}/.well-known/jwks.json  → issuer explícito
//   - GET /metrics                           → prometheus
func NewRouter(pub *Publisher, defaultIssuer string, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	serve := func(w http.ResponseWriter, req *http.Request, issuer string) {
		metrics.JWKSRequests.WithLabelValues(issuer).Inc()
		doc, err := pub.Serve(req.Context(), issuer)
		if err != nil {
			log.Error("serve jwks", zap.String("issuer", issuer), zap.Error(err))
			http.Error(w, `{"error":"jwks_unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(pub.TTL().Seconds())))
		_ = json.NewEncoder(w).Encode(doc)
	}

	r.Get("/.well-known/jwks.json", func(w http.ResponseWriter, req *http.Request) {
		serve(w, req, defaultIssuer)
	})
	r.Get("/t/{issuer}/.well-known/jwks.json", func(w http.ResponseWriter, req *http.Request) {
		serve(w, req, chi.URLParam(req, "issuer"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
