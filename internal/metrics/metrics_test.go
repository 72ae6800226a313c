package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRollup(t *testing.T) {
	okBefore := testutil.ToFloat64(RollupRuns.WithLabelValues("ok"))
	failedBefore := testutil.ToFloat64(RollupRuns.WithLabelValues("failed"))
	bucketsBefore := testutil.ToFloat64(BucketsUpserted)

	RecordRollup(10*time.Millisecond, 7, nil)
	RecordRollup(time.Millisecond, 0, errors.New("database is locked"))

	if got := testutil.ToFloat64(RollupRuns.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok runs delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(RollupRuns.WithLabelValues("failed")) - failedBefore; got != 1 {
		t.Errorf("failed runs delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(BucketsUpserted) - bucketsBefore; got != 7 {
		t.Errorf("buckets delta = %v, want 7", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordRejected("decode")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `plantpipe_readings_rejected_total{kind="decode"}`) {
		t.Error("rejected counter missing from scrape output")
	}
}
