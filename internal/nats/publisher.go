package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"schema-poller/internal/config"
	"schema-poller/internal/models"
)

// Publisher announces poll cycle reports on NATS. Each report goes to
// <subject>.<outcome> so subscribers can listen for failures only.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
}

// NewPublisher connects to the configured NATS server.
func NewPublisher(cfg *config.NATSConfig, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("schema-poller"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)

	return &Publisher{
		conn:    conn,
		subject: cfg.Subject,
		logger:  logger,
	}, nil
}

// Publish sends the report of one cycle.
func (p *Publisher) Publish(report *models.CycleReport) error {
	msg, err := newMessage(p.subject, report)
	if err != nil {
		return err
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s cycle report to %s", report.Outcome, msg.Subject)
	return nil
}

// newMessage encodes report as JSON. The cycle id doubles as the JetStream
// message id so a redelivered report is deduplicated by the stream.
func newMessage(subject string, report *models.CycleReport) (*nats.Msg, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cycle report: %w", err)
	}

	msg := nats.NewMsg(subject + "." + string(report.Outcome))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, report.CycleID)
	if report.RunID != "" {
		msg.Header.Set("Pipeline-Run-Id", report.RunID)
	}
	return msg, nil
}

// Close flushes pending reports and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warnf("Failed to flush NATS connection: %v", err)
	}
	p.conn.Close()
}
