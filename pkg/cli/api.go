package cli

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mchmarny/txguard/pkg/detector"
	"github.com/mchmarny/txguard/pkg/metrics"
	"github.com/mchmarny/txguard/pkg/schema"
	"github.com/mchmarny/txguard/pkg/scoring"
	"github.com/mchmarny/txguard/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	predictMaxBytes = 1 << 16
	healthMessage   = "Transaction scoring API is running. POST a transaction to /predict."
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func predictAPIHandler(svc *scoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, predictMaxBytes)
		tx, err := schema.DecodeTransaction(r.Body)
		if err != nil {
			metrics.ValidationFailures.WithLabelValues(metrics.SourcePredict).Inc()
			slog.Debug("invalid prediction request", "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := svc.Score(*tx)
		if err != nil {
			var fse *detector.FeatureShapeError
			if errors.As(err, &fse) || errors.Is(err, detector.ErrNonFinite) {
				metrics.ValidationFailures.WithLabelValues(metrics.SourcePredict).Inc()
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Error("failed to score transaction", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to score transaction")
			return
		}

		tracing.Annotate(r.Context(),
			attribute.String("txguard.status", res.Status),
			attribute.String("txguard.pair_id", svc.PairID()))
		slog.Info("prediction", "status", res.Status, "amount", tx.Amount())
		writeJSON(w, http.StatusOK, res)
	}
}

func healthAPIHandler(svc *scoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": healthMessage,
			"pair_id": svc.PairID(),
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		slog.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String())
	})
}
