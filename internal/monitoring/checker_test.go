package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-import/internal/model"
)

func TestCheck_SendsAlerts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig(srv.URL)
	runs := fakeRuns{runs: []model.MigrationRun{
		run("r1", model.RunStatusRunning, time.Hour, time.Hour, 0),
	}}
	c := NewChecker(newTestCollector(runs, fakeQueueStats{stats: map[string]int64{"dead": 1}}), NewAlerter(cfg), cfg)

	alerts := c.Check(context.Background())
	require.Len(t, alerts, 2)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCheck_CollectError(t *testing.T) {
	cfg := testMonitoringConfig("")
	c := NewChecker(newTestCollector(fakeRuns{err: errors.New("down")}, nil), NewAlerter(cfg), cfg)
	assert.Nil(t, c.Check(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testMonitoringConfig("")
	c := NewChecker(newTestCollector(fakeRuns{}, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}
