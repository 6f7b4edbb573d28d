package matching

import (
	"context"
	"log"
	"time"

	"github.com/skipon/matchmaker/internal/metrics"
)

// DefaultCleanupInterval is how often StartCleanup prunes the queue.
const DefaultCleanupInterval = 30 * time.Second

// degradable is implemented by stores that can fall back to another backend.
type degradable interface {
	Degraded() bool
}

// StartCleanup runs until ctx is done, pruning expired queue members and
// refreshing the queue gauges on every tick.
func (m *Matchmaker) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

func (m *Matchmaker) cleanup(ctx context.Context) {
	removed, err := m.store.Prune(ctx)
	if err != nil {
		log.Printf("[matcher] cleanup: prune: %v", err)
	} else if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale entries", removed)
	}

	if n, err := m.store.QueueLength(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(n))
	}

	if d, ok := m.store.(degradable); ok {
		if d.Degraded() {
			metrics.StoreDegraded.Set(1)
		} else {
			metrics.StoreDegraded.Set(0)
		}
	}
}
