package relay

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed ping before closing
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and closes those with
// no frame from the client for Interval + Timeout. Browsers answer pings with
// pongs, which count as activity. It returns when ctx is done.
func (rl *Relay) StartHeartbeat(ctx context.Context, cfg HeartbeatConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.checkConnections(cfg, time.Now())
		}
	}
}

func (rl *Relay) checkConnections(cfg HeartbeatConfig, now time.Time) {
	deadline := cfg.Interval + cfg.Timeout

	for _, c := range rl.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("[relay] heartbeat timeout conn=%s participant=%s idle=%s",
				c.ID, c.Participant, idle.Round(time.Second))
			c.Close()
			continue
		}
		if err := c.WriteControl(ws.NewPingFrame(nil)); err != nil {
			log.Printf("[relay] heartbeat ping failed conn=%s: %v", c.ID, err)
			c.Close()
		}
	}
}
