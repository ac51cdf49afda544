// Package eventbus republishes playback events on a NATS subject tree so other
// processes can follow the speaking state without holding a websocket open.
//
// Every event is published as JSON to "<prefix>.<kind>", for example
// "speakloop.events.segment_started".
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/speakloop/internal/config"
	"github.com/MrWong99/speakloop/internal/playback"
)

const connectTimeout = 5 * time.Second

// conn is the subset of *nats.Conn used by [Publisher].
type conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	Drain() error
	Close()
}

// Publisher is a [playback.Observer] that forwards events to NATS.
type Publisher struct {
	conn   conn
	prefix string
	log    *slog.Logger
}

var _ playback.Observer = (*Publisher)(nil)

// Connect dials the NATS server named in cfg. An unreachable server is not an
// error; the connection keeps retrying in the background and events published
// meanwhile are buffered by the client.
func Connect(cfg config.NATSConfig, log *slog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("eventbus: nats url is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("speakloop"),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("eventbus: disconnected from nats", "err", err)
			}
		}),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info("eventbus: connected to nats", "url", c.ConnectedUrl())
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("eventbus: reconnected to nats", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect %s: %w", cfg.URL, err)
	}
	if nc.IsConnected() {
		log.Info("eventbus: connected to nats", "url", cfg.URL, "prefix", cfg.SubjectPrefix)
	} else {
		log.Warn("eventbus: nats unreachable, retrying in background", "url", cfg.URL)
	}
	return newPublisher(nc, cfg.SubjectPrefix, log), nil
}

func newPublisher(c conn, prefix string, log *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = config.DefaultSubjectPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: c, prefix: prefix, log: log}
}

// Subject returns the subject an event of the given kind is published on.
func (p *Publisher) Subject(kind playback.EventKind) string {
	return p.prefix + "." + string(kind)
}

// Observe implements [playback.Observer]. Publish only buffers the message,
// so the session loop is never held up by the network. Failures are logged.
func (p *Publisher) Observe(ev playback.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("eventbus: marshal event", "kind", ev.Kind, "err", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		p.log.Warn("eventbus: publish event", "kind", ev.Kind, "err", err)
	}
}

// IsConnected reports whether the NATS connection is up.
func (p *Publisher) IsConnected() bool {
	return p.conn.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("eventbus: drain: %w", err)
	}
	p.conn.Close()
	return nil
}
