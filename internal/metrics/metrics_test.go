package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorObservations(t *testing.T) {
	c := NewCollector()

	c.CommitQueued(100, 100)
	c.CommitQueued(50, 150)
	c.RecordWritten(200)
	c.RecordEnacted(0)
	c.ReindexBatch()
	c.BackgroundError()
	c.ObserveRecovery(1.5)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.commitsQueued))
	assert.Equal(t, float64(150), testutil.ToFloat64(c.commitBytes))
	assert.Equal(t, float64(150), testutil.ToFloat64(c.commitQueueBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.recordsWritten))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.recordsEnacted))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.logQueueBytes))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.reindexBatches))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.backgroundErrors))
	assert.Equal(t, float64(1.5), testutil.ToFloat64(c.recoverySeconds))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.CommitQueued(1, 1)
	c.RecordWritten(1)
	c.RecordEnacted(1)
	c.SetCommitQueueBytes(1)
	c.ReindexBatch()
	c.BackgroundError()
	c.ObserveRecovery(1)
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector()
	c.CommitQueued(10, 10)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "beaverdb_commits_total 1")
}
