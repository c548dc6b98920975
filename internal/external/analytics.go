package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/logging"
)

// PaymentSucceededRoutingKey is the routing key of payment success events.
const PaymentSucceededRoutingKey = "billing.payment.succeeded"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPAnalytics publishes payment successes to a topic exchange.
type AMQPAnalytics struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPAnalytics dials the broker and declares exchange.
func NewAMQPAnalytics(amqpURL, exchange string) (*AMQPAnalytics, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, fmt.Errorf("analytics exchange is required")
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial analytics broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open analytics channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare analytics exchange %s: %w", exchange, err)
	}
	return &AMQPAnalytics{exchange: exchange, conn: conn, channel: channel}, nil
}

// ReportPaymentSuccess publishes ev as a persistent JSON message.
func (a *AMQPAnalytics) ReportPaymentSuccess(ctx context.Context, ev ports.PaymentSuccess) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payment success: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return fmt.Errorf("analytics publisher is closed")
	}
	return a.channel.PublishWithContext(ctx, a.exchange, PaymentSucceededRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.TransactionID,
		Timestamp:    ev.OccurredAt,
		Type:         PaymentSucceededRoutingKey,
		Body:         payload,
	})
}

// Close releases the channel and connection.
func (a *AMQPAnalytics) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel != nil {
		a.channel.Close()
		a.channel = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// LogAnalytics logs payment successes instead of publishing them. Used when
// no broker is configured.
type LogAnalytics struct{}

// ReportPaymentSuccess logs ev.
func (LogAnalytics) ReportPaymentSuccess(ctx context.Context, ev ports.PaymentSuccess) error {
	logger := logging.FromContext(ctx)
	logger.Info().
		Str("platform", string(ev.Platform)).
		Str("user_id", ev.UserID).
		Str("transaction_id", ev.TransactionID).
		Str("price_id", ev.PriceID).
		Str("amount", ev.Amount).
		Str("currency", ev.Currency).
		Msg("Payment succeeded")
	return nil
}
