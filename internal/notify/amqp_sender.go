package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the durable topic exchange the email service consumes from.
const Exchange = "notifications"

// AMQPSender publishes notifications to RabbitMQ for the email-delivery service.
type AMQPSender struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPSender dials the broker and declares the exchange.
func NewAMQPSender(amqpURL string, log *slog.Logger) (*AMQPSender, error) {
	if log == nil {
		log = slog.Default()
	}
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Bounded dial so startup does not hang.
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	s := &AMQPSender{conn: conn, log: log}
	if err := s.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// reopen replaces the channel and redeclares the exchange. Callers hold s.mu or
// own s exclusively.
func (s *AMQPSender) reopen() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %q: %w", Exchange, err)
	}
	if s.channel != nil {
		s.channel.Close()
	}
	s.channel = ch
	return nil
}

// RoutingKey is email.<template>.
func RoutingKey(t Template) string {
	return "email." + string(t)
}

func (s *AMQPSender) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx, Exchange, RoutingKey(n.Template), false, false, msg)
	if err == nil {
		return nil
	}
	s.log.Warn("publish failed, reopening channel", "exchange", Exchange, "error", err)
	// One retry on a fresh channel.
	if rerr := s.reopen(); rerr != nil {
		return fmt.Errorf("publish: %w (reopen: %v)", err, rerr)
	}
	return s.channel.PublishWithContext(ctx, Exchange, RoutingKey(n.Template), false, false, msg)
}

func (s *AMQPSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
