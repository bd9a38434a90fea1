// Package notify publishes best-effort operator notifications over NATS.
// Delivery is fire-and-forget: the session manager and orchestrator log
// failures but never block on them.
package notify

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher wraps a NATS connection with reconnect handling.
type Publisher struct {
	nc  *nats.Conn
	url string
	log zerolog.Logger
}

// NewPublisher connects to NATS at url with unlimited reconnects.
func NewPublisher(url string, log zerolog.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("cropsight-edge-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

// Publish sends a payload on the subject. Safe to call on a disconnected
// publisher; the error is for the caller's log line only.
func (p *Publisher) Publish(subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}
	return p.nc.Publish(subject, payload)
}

// Connected reports whether the NATS connection is up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
