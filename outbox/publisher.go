package outbox

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher delivers an already-encoded message to a broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
	Close()
}

// RabbitPublisher publishes to a durable topic exchange.
type RabbitPublisher struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	log     *logrus.Entry
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("outbox: AMQP scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

func NewRabbitPublisher(amqpURL string, log *logrus.Entry) (*RabbitPublisher, error) {
	clean, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RabbitPublisher{conn: conn, channel: ch, log: log.WithField("component", "rabbitmq_publisher")}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishOnce(ctx, exchange, routingKey, body)
	if err == nil {
		return nil
	}
	p.log.WithError(err).WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warn("publish failed; reopening channel")

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	return p.publishOnce(ctx, exchange, routingKey, body)
}

func (p *RabbitPublisher) publishOnce(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher is used when no broker is configured. It logs and drops.
type LogPublisher struct {
	Log *logrus.Entry
}

func (p LogPublisher) Publish(_ context.Context, exchange, routingKey string, body []byte) error {
	if p.Log != nil {
		p.Log.WithFields(logrus.Fields{
			"exchange":    exchange,
			"routing_key": routingKey,
			"bytes":       len(body),
		}).Debug("publish skipped; no broker configured")
	}
	return nil
}

func (LogPublisher) Close() {}
