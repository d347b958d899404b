package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAttempt(t *testing.T) {
	m := New()
	m.RecordAttempt("openrouter:a", "ok", 120*time.Millisecond)
	m.RecordAttempt("openrouter:a", "rate_limited", time.Second)
	m.RecordAttempt("openrouter:a", "ok", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProviderAttemptsTotal.WithLabelValues("openrouter:a", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderAttemptsTotal.WithLabelValues("openrouter:a", "rate_limited")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordReply(OutcomeOK)
	m.RecordChunks(3)
	m.RecordUpdate("text")
	m.RecordPollingRestart()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ChunksSentTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpdatesTotal.WithLabelValues("text")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollingRestartsTotal))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAttempt("x", "ok", time.Second)
	m.RecordReply(OutcomeOK)
	m.RecordChunks(1)
	m.RecordUpdate("text")
	m.RecordPollingRestart()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordChunks(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relaybot_chunks_sent_total 2")
}
