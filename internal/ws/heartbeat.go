package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// runHeartbeat periodically pings every connection and closes those that have
// gone stale. It returns when the server's done channel is closed. A zero
// interval disables the heartbeat.
func (s *Server) runHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		<-s.done
		return
	}
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(config, time.Now())
		}
	}
}

// checkConnections closes connections that have not had a successful read
// within Interval + Timeout. All other connections receive a WebSocket-level
// ping frame (opcode 0x9) which the browser answers automatically with a pong.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) (closed int) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActivity())
		if idle > deadline {
			s.log.Debug("heartbeat timeout", "conn", c.ID, "session", c.SessionID,
				"idle", idle.Round(time.Second))
			_ = c.Close()
			closed++
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug("heartbeat ping failed", "conn", c.ID, "error", err)
			_ = c.Close()
			closed++
		}
	}
	return closed
}
