package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecoverReturns500(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	r := chi.NewRouter()
	r.Use(Recover(zap.New(core)))
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.Len())
}

func TestMetricsAndLoggingPassThrough(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	r := chi.NewRouter()
	r.Use(Metrics, Logging(zap.New(core)))
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1, logs.Len())
	require.Equal(t, int64(http.StatusTeapot), logs.All()[0].ContextMap()["status"])
}
