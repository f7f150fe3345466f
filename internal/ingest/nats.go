package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/payrollx/escrowrecon/internal/domain"
)

// NATSConfig holds the JetStream subscription settings.
type NATSConfig struct {
	URL     string
	Subject string
	Durable string
	AckWait time.Duration
}

// ack is what the consumer tells JetStream about one message.
type ack int

const (
	ackOK   ack = iota // stored or already stored
	ackNak             // redeliver later
	ackTerm            // never redeliver
)

func (a ack) String() string {
	switch a {
	case ackOK:
		return "ack"
	case ackNak:
		return "nak"
	default:
		return "term"
	}
}

// NATSConsumer mirrors withdrawal events pushed on a JetStream subject.
// Delivery is at-least-once: a redelivered event mirrors as a duplicate
// and is acked.
type NATSConsumer struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	config NATSConfig
	mirror Mirror
	logger *slog.Logger
}

// NewNATSConsumer connects to NATS and prepares a JetStream context.
func NewNATSConsumer(cfg NATSConfig, m Mirror, logger *slog.Logger) (*NATSConsumer, error) {
	if cfg.Durable == "" {
		cfg.Durable = "escrowrecon-mirror"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("escrowrecon"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NATSConsumer{conn: conn, js: js, config: cfg, mirror: m, logger: logger}, nil
}

// Start subscribes with a durable queue so replicas share the stream.
// Messages are handled with ctx until Stop.
func (c *NATSConsumer) Start(ctx context.Context) error {
	sub, err := c.js.QueueSubscribe(c.config.Subject, c.config.Durable, func(msg *nats.Msg) {
		c.respond(msg, c.handle(ctx, msg.Data))
	},
		nats.Durable(c.config.Durable),
		nats.ManualAck(),
		nats.AckWait(c.config.AckWait),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.config.Subject, err)
	}
	c.sub = sub
	c.logger.Info("nats consumer started", "subject", c.config.Subject, "durable", c.config.Durable)
	return nil
}

// Stop drains the subscription and closes the connection.
func (c *NATSConsumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("nats drain failed", "error", err)
		}
	}
	c.conn.Close()
}

// Ping reports whether the connection is up.
func (c *NATSConsumer) Ping(_ context.Context) error {
	if !c.conn.IsConnected() {
		return errors.New("nats: not connected")
	}
	return nil
}

func (c *NATSConsumer) respond(msg *nats.Msg, a ack) {
	var err error
	switch a {
	case ackOK:
		err = msg.Ack()
	case ackNak:
		err = msg.Nak()
	case ackTerm:
		err = msg.Term()
	}
	if err != nil {
		c.logger.Warn("nats ack failed", "action", a.String(), "error", err)
	}
}

// handle decodes and mirrors one message. Undecodable or invalid events
// are terminated so they do not loop; storage failures are redelivered.
func (c *NATSConsumer) handle(ctx context.Context, data []byte) ack {
	var payload domain.WithdrawalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		events.WithLabelValues("nats", StreamWithdrawals, "invalid").Inc()
		c.logger.Error("dropping undecodable withdrawal message", "error", err, "size", len(data))
		return ackTerm
	}
	e, err := payload.Event()
	if err != nil {
		events.WithLabelValues("nats", StreamWithdrawals, "invalid").Inc()
		c.logger.Error("dropping invalid withdrawal message", "chain_event_id", payload.ChainEventID, "error", err)
		return ackTerm
	}

	res, err := c.mirror.MirrorWithdrawal(ctx, e)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			events.WithLabelValues("nats", StreamWithdrawals, "invalid").Inc()
			return ackTerm
		}
		events.WithLabelValues("nats", StreamWithdrawals, "error").Inc()
		c.logger.Warn("withdrawal mirror failed, requesting redelivery", "chain_event_id", e.ChainEventID, "error", err)
		return ackNak
	}
	if res.Inserted {
		events.WithLabelValues("nats", StreamWithdrawals, "inserted").Inc()
	} else {
		events.WithLabelValues("nats", StreamWithdrawals, "duplicate").Inc()
	}
	return ackOK
}
