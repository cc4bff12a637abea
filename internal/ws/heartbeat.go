package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig controls dead-connection detection.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

func (s *Server) heartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkConnections(now, cfg)
		}
	}
}

// checkConnections drops connections silent for longer than Interval+Timeout
// and pings the rest. Browsers answer pings on their own, and any frame read
// counts as activity.
func (s *Server) checkConnections(now time.Time, cfg HeartbeatConfig) {
	deadline := cfg.Interval + cfg.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info("heartbeat timeout", zap.String("conn_id", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
		}
	}
}
