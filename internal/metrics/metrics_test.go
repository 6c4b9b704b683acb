package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExerciserMetrics(t *testing.T) {
	t.Run("PatternResults", func(t *testing.T) {
		before := testutil.ToFloat64(PatternResults.WithLabelValues("KB", "passed"))
		PatternResults.WithLabelValues("KB", "passed").Inc()
		PatternResults.WithLabelValues("KB", "passed").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(PatternResults.WithLabelValues("KB", "passed")))
	})

	t.Run("MismatchedWords", func(t *testing.T) {
		before := testutil.ToFloat64(MismatchedWords.WithLabelValues("MB"))
		MismatchedWords.WithLabelValues("MB").Add(3)
		assert.Equal(t, before+3, testutil.ToFloat64(MismatchedWords.WithLabelValues("MB")))
	})

	t.Run("PatternPassDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			PatternPassDuration.WithLabelValues("GB").Observe(12.5)
		})
	})

	t.Run("BytesVerified", func(t *testing.T) {
		before := testutil.ToFloat64(BytesVerified)
		BytesVerified.Add(4096)
		assert.Equal(t, before+4096, testutil.ToFloat64(BytesVerified))
	})
}

func TestPoolAndSessionMetrics(t *testing.T) {
	t.Run("PoolAllocatedBytes", func(t *testing.T) {
		PoolAllocatedBytes.Set(1 << 30)
		assert.Equal(t, float64(1<<30), testutil.ToFloat64(PoolAllocatedBytes))
		PoolAllocatedBytes.Set(0)
	})

	t.Run("SessionsOpen", func(t *testing.T) {
		before := testutil.ToFloat64(SessionsOpen)
		SessionsOpen.Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(SessionsOpen))
		SessionsOpen.Dec()
	})
}

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		SessionsOpen,
		PoolAllocatedBytes,
		PoolOperations,
		PatternResults,
		MismatchedWords,
		PatternPassDuration,
		BytesVerified,
	}

	for _, metric := range metrics {
		// Already registered by promauto, so registering again must fail.
		err := prometheus.Register(metric)
		var are prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &are)
	}
}

func TestHandler(t *testing.T) {
	BytesVerified.Add(1)
	h := Handler("/metrics")

	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/metrics", "200"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vramtest_bytes_verified_total")
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/metrics", "200")))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInstrument(t *testing.T) {
	h := Instrument("/teapot", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(EndpointResponses.WithLabelValues("/teapot", "418")))
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			PatternPassDuration.WithLabelValues("KB").Observe(float64(i % 1000))
		}
	})

	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			PatternResults.WithLabelValues("KB", "passed").Inc()
		}
	})
}
