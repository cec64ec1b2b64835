package ws

import (
	"time"

	"github.com/gobwas/ws"

	"github.com/Yug2op/SkillExchange-sub001/internal/log"
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

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and evicts those that have gone idle. It returns immediately;
// the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections evicts connections with no inbound activity within
// Interval + Timeout and sends a protocol-level ping (opcode 0x9) to the rest,
// which clients answer with a pong that counts as activity.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	logger := log.WithComponent("ws")
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		last, ok := server.hub.LastActivity(c.ID())
		if !ok || now.Sub(last) > deadline {
			logger.Info().
				Str("conn_id", c.ID()).
				Str("user_id", c.UserID).
				Dur("idle", now.Sub(last).Round(time.Second)).
				Msg("heartbeat timeout")
			server.RemoveConnection(c, "idle")
			continue
		}

		if err := c.WritePing(); err != nil {
			logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("heartbeat ping failed")
			server.RemoveConnection(c, "error")
		}
	}
}

// WritePing sends a WebSocket ping frame. The write mutex keeps it from
// interleaving with queued frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
