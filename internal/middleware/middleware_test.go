package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/verifierpool/internal/logging"
	"github.com/R3E-Network/verifierpool/internal/metrics"
)

func TestLoggingMiddleware_PropagatesRequestID(t *testing.T) {
	log := logging.New("test", "debug", "json")
	var buf bytes.Buffer
	log.SetOutput(&buf)

	var seen string
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(log))
	router.HandleFunc("/verifiers", func(w http.ResponseWriter, r *http.Request) {
		seen = logging.RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/verifiers", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
}

func TestLoggingMiddleware_GeneratesRequestID(t *testing.T) {
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logging.NewNop()))
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	c := metrics.NewCollector("mw")
	router := mux.NewRouter()
	router.Use(MetricsMiddleware(c))
	router.HandleFunc("/verifiers/{address}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, addr := range []string{"0xA", "0xB"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/verifiers/"+addr, nil))
	}

	n, err := testutil.GatherAndCount(c.Registry(), "mw_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
