package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	apperrors "integration-hub/internal/common/errors"
	"integration-hub/internal/common/logging"
)

// AMQPPublisher publishes events to a durable topic exchange with the
// event type as routing key, so consumers can bind to the subset they
// care about (e.g. only sync.failed). Connections come from a small
// pool and dead connections are replaced on checkout.
type AMQPPublisher struct {
	url         string
	exchange    string
	logger      logging.Logger
	connections chan *amqp.Connection
	mu          sync.RWMutex
	closed      bool
}

const publisherPoolSize = 2

func NewAMQPPublisher(url, exchange string, logger logging.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, apperrors.ConfigError("AMQP URL cannot be empty")
	}
	if exchange == "" {
		exchange = "sync.events"
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	p := &AMQPPublisher{
		url:         url,
		exchange:    exchange,
		logger:      logger,
		connections: make(chan *amqp.Connection, publisherPoolSize),
	}

	for i := 0; i < publisherPoolSize; i++ {
		conn, err := amqp.Dial(url)
		if err != nil {
			p.Close()
			return nil, apperrors.ConnectionError("failed to connect to AMQP broker", err)
		}
		p.connections <- conn
	}

	// Declare the exchange once up front so consumers can bind before
	// the first event arrives.
	if err := p.withChannel(func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
	}); err != nil {
		p.Close()
		return nil, apperrors.ConnectionError("failed to declare events exchange", err)
	}

	return p, nil
}

func (p *AMQPPublisher) getConnection() (*amqp.Connection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, apperrors.ConnectionError("publisher is closed", nil)
	}
	p.mu.RUnlock()

	select {
	case conn := <-p.connections:
		if conn.IsClosed() {
			newConn, err := amqp.Dial(p.url)
			if err != nil {
				return nil, apperrors.ConnectionError("failed to reconnect to AMQP broker", err)
			}
			return newConn, nil
		}
		return conn, nil
	case <-time.After(5 * time.Second):
		return nil, apperrors.TimeoutError("timed out waiting for AMQP connection")
	}
}

func (p *AMQPPublisher) returnConnection(conn *amqp.Connection) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed || conn.IsClosed() {
		conn.Close()
		return
	}
	select {
	case p.connections <- conn:
	default:
		conn.Close()
	}
}

func (p *AMQPPublisher) withChannel(fn func(*amqp.Channel) error) error {
	conn, err := p.getConnection()
	if err != nil {
		return err
	}
	defer p.returnConnection(conn)

	ch, err := conn.Channel()
	if err != nil {
		return apperrors.ConnectionError("failed to open AMQP channel", err)
	}
	defer ch.Close()

	return fn(ch)
}

// Publish sends one event. Failures are returned to the caller, who
// decides whether the event is worth retrying; the sync engine treats
// publish failures as non-fatal.
func (p *AMQPPublisher) Publish(ctx context.Context, event *Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return apperrors.InternalError("failed to marshal event", err)
	}

	err = p.withChannel(func(ch *amqp.Channel) error {
		return ch.Publish(p.exchange, event.Type, false, false, amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    event.OccurredAt,
			MessageId:    fmt.Sprintf("%s:%s", event.Type, event.JobID),
		})
	})
	if err != nil {
		p.logger.Warn("Failed to publish sync event",
			logging.Field{Key: "type", Value: event.Type},
			logging.Field{Key: "job_id", Value: event.JobID},
			logging.Field{Key: "error", Value: err})
		return err
	}

	p.logger.Debug("Published sync event",
		logging.Field{Key: "type", Value: event.Type},
		logging.Field{Key: "integration_id", Value: event.IntegrationID})
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.connections)
	for conn := range p.connections {
		conn.Close()
	}
	return nil
}
