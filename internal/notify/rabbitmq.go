package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carpool-relay/internal/relay"

	amqp "github.com/rabbitmq/amqp091-go"
)

const reconnInterval = 10 * time.Second

var errClosed = errors.New("amqp connection is closed")

// AMQPNotifier publishes push notifications to a topic exchange; the push
// worker consuming it talks to the device push service. Routing key is
// notify.<kind>.
type AMQPNotifier struct {
	ctx      context.Context
	url      string
	exchange string
	logger   *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
}

var _ relay.Notifier = (*AMQPNotifier)(nil)

// NewAMQPNotifier dials url and declares exchange. ctx bounds background
// reconnect attempts.
func NewAMQPNotifier(ctx context.Context, url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	n := &AMQPNotifier{
		ctx:      ctx,
		url:      url,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "amqp_notifier")),
	}
	if err := n.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return n, nil
}

func (n *AMQPNotifier) Notify(ctx context.Context, note relay.Notification) error {
	n.mu.Lock()
	ch, conn := n.ch, n.conn
	n.mu.Unlock()

	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		go n.reconnect()
		return errClosed
	}

	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, n.exchange, "notify."+note.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (n *AMQPNotifier) IsAlive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && !n.conn.IsClosed() && n.ch != nil && !n.ch.IsClosed()
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil && !n.ch.IsClosed() {
		if err := n.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if n.conn != nil && !n.conn.IsClosed() {
		if err := n.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.ch = ch
	n.mu.Unlock()
	return nil
}

func (n *AMQPNotifier) reconnect() {
	n.mu.Lock()
	if n.reconnecting {
		n.mu.Unlock()
		return
	}
	n.reconnecting = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.reconnecting = false
		n.mu.Unlock()
	}()

	t := time.NewTicker(reconnInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := n.connect(); err == nil {
				n.logger.Info("reconnected to rabbitmq")
				return
			}
			n.logger.Warn("rabbitmq failed to reconnect")
		case <-n.ctx.Done():
			return
		}
	}
}
