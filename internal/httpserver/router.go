package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skywalker-88/coresgate/internal/bus"
	"github.com/skywalker-88/coresgate/internal/detect"
	Lm "github.com/skywalker-88/coresgate/internal/middleware"
	"github.com/skywalker-88/coresgate/pkg/config"
	"github.com/skywalker-88/coresgate/pkg/metrics"
)

type RouterDeps struct {
	Bus      *bus.Bus
	Detector *detect.Detector
	Names    config.EventNames
}

// NewRouter builds the Chi router: health, prometheus metrics, the sample
// ingest endpoint, and read-only detector introspection.
func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Built-in safety middlewares
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)

	// zerolog access logging (reads ACCESS_LOG / ACCESS_LOG_SAMPLE)
	r.Use(Lm.AccessLoggerFromEnv())

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"coresgate","version":"0.1.0","status":"ok","hint":"see /health and /metrics"}`))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// ---- Telemetry ingest ----
	r.Post("/v1/samples", func(w http.ResponseWriter, req *http.Request) {
		var batch detect.SampleBatch
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			metrics.SamplesRejected.Inc()
			writeJSONError(w, http.StatusBadRequest, "malformed sample batch")
			return
		}
		if len(batch) == 0 {
			metrics.SamplesRejected.Inc()
			writeJSONError(w, http.StatusBadRequest, "empty sample batch")
			return
		}
		for hostID, sample := range batch {
			if _, ok := sample[detect.ActivityMetric]; !ok {
				metrics.SamplesRejected.Inc()
				writeJSONError(w, http.StatusBadRequest, "host "+hostID+" is missing the Activity metric")
				return
			}
		}

		d.Bus.Emit(d.Names.SampleEvent, batch)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"accepted": len(batch)})
	})

	// ---- Detector introspection ----
	r.Get("/v1/hosts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Detector.Snapshot())
	})

	r.Get("/v1/mitigated", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string][]string{"hosts": d.Detector.MitigatedHosts()})
	})

	r.NotFound(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found")
	}))

	return r
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
