package matching

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skipon/matchmaker/internal/metrics"
	"github.com/skipon/matchmaker/internal/participant"
	"github.com/skipon/matchmaker/internal/store/failover"
	"github.com/skipon/matchmaker/internal/store/mem"
)

func TestCleanup_RefreshesQueueGauge(t *testing.T) {
	m, _ := newTestMatchmaker(t)

	mustRequest(t, m, "c1", participant.Male)
	mustRequest(t, m, "c2", participant.Male)

	m.cleanup(context.Background())

	if got := testutil.ToFloat64(metrics.MatchQueueSize); got != 2 {
		t.Errorf("expected queue gauge 2, got %v", got)
	}
}

func TestCleanup_DegradedGauge(t *testing.T) {
	t.Cleanup(func() { metrics.StoreDegraded.Set(0) })

	// A store without a fallback leaves the gauge alone.
	m, _ := newTestMatchmaker(t)
	metrics.StoreDegraded.Set(1)
	m.cleanup(context.Background())
	if got := testutil.ToFloat64(metrics.StoreDegraded); got != 1 {
		t.Errorf("expected gauge untouched at 1, got %v", got)
	}

	primary, secondary := mem.New(mem.Config{}), mem.New(mem.Config{})
	t.Cleanup(func() {
		primary.Close()
		secondary.Close()
	})

	New(failover.New(primary, secondary), nil, Config{}).cleanup(context.Background())
	if got := testutil.ToFloat64(metrics.StoreDegraded); got != 0 {
		t.Errorf("expected gauge 0 on healthy primary, got %v", got)
	}

	New(failover.New(nil, secondary), nil, Config{}).cleanup(context.Background())
	if got := testutil.ToFloat64(metrics.StoreDegraded); got != 1 {
		t.Errorf("expected gauge 1 when degraded, got %v", got)
	}
}

func TestStartCleanup_StopsOnCancel(t *testing.T) {
	m, _ := newTestMatchmaker(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartCleanup(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartCleanup did not return after cancel")
	}
}
