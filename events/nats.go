package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/remilejeune/udata-harvest/errors"
	"github.com/remilejeune/udata-harvest/harvest"
	"github.com/remilejeune/udata-harvest/logger"
)

// DefaultSubjectPrefix prefixes the subject of every published event.
const DefaultSubjectPrefix = "harvest"

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string // client name shown by the server
}

// Publisher is the part of *nats.Conn the publisher uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events as JSON Messages on
// "<prefix>.<signal>", e.g. "harvest.job.after-run".
type NATSPublisher struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	log    *zap.SugaredLogger
}

// NewNATSPublisher connects to cfg.URL. The connection reconnects forever;
// events emitted while disconnected are buffered by the client.
func NewNATSPublisher(cfg NATSConfig, log *zap.SugaredLogger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("NATS URL is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	name := cfg.Name
	if name == "" {
		name = "udata-harvest"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("Disconnected from NATS", logger.FieldError, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("Reconnected to NATS", logger.FieldAddress, c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to NATS at %s", cfg.URL)
	}
	p := NewPublisher(nc, cfg.SubjectPrefix, log)
	p.conn = nc
	log.Infow("Publishing events to NATS", logger.FieldAddress, nc.ConnectedUrl(), "prefix", p.prefix)
	return p, nil
}

// NewPublisher publishes through pub, typically an existing *nats.Conn.
func NewPublisher(pub Publisher, prefix string, log *zap.SugaredLogger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &NATSPublisher{pub: pub, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the subject sig is published on.
func (p *NATSPublisher) Subject(sig harvest.Signal) string {
	return p.prefix + "." + string(sig)
}

// HandleEvent implements harvest.Subscriber.
func (p *NATSPublisher) HandleEvent(_ context.Context, ev harvest.Event) error {
	data, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return errors.Wrapf(err, "encode %s event", ev.Signal)
	}
	subject := p.Subject(ev.Signal)
	if err := p.pub.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "publish to %s", subject)
	}
	p.log.Debugw("Published event", "subject", subject)
	return nil
}

// Close flushes pending messages and closes a connection opened by
// NewNATSPublisher.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.log.Warnw("Failed to drain NATS connection", logger.FieldError, err)
		p.conn.Close()
	}
}
