package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pixl/internal/config"
	"pixl/internal/constants"
	"pixl/internal/logger"
	"pixl/pkg/logging"
	"pixl/pkg/metrics"
	"pixl/pkg/models"
	"pixl/pkg/tracing"
)

func amqpURL(cfg config.BrokerConfig) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
}

func declareQueue(ch *amqp.Channel, queue string) error {
	args := amqp.Table{}
	if queue != constants.QueueDeadLetter {
		args["x-max-priority"] = int32(models.PriorityMax)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, args)
	return err
}

type RabbitProducer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.Mutex
	logger logger.Logger
}

func NewRabbitProducer(cfg config.BrokerConfig, log logger.Logger) (*RabbitProducer, error) {
	conn, err := amqp.Dial(amqpURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	for _, q := range []string{constants.QueuePrimary, constants.QueueSecondary, constants.QueueDeadLetter} {
		if err := declareQueue(ch, q); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}
	return &RabbitProducer{conn: conn, ch: ch, logger: log}, nil
}

func (p *RabbitProducer) Publish(ctx context.Context, queue string, req models.ExtractRequest) error {
	body, err := req.Serialise()
	if err != nil {
		return fmt.Errorf("failed to serialise message: %w", err)
	}

	headers := tracing.InjectTraceContext(ctx, amqp.Table{})

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(req.Priority),
		MessageId:    req.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// MessageCount returns the number of ready messages on a queue.
func (p *RabbitProducer) MessageCount(queue string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, err := p.ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

func (p *RabbitProducer) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type RabbitConsumer struct {
	cfg      config.BrokerConfig
	prefetch int
	conn     *amqp.Connection
	ch       *amqp.Channel
	producer *RabbitProducer
	logger   logger.Logger
	wg       sync.WaitGroup

	pauseMu sync.Mutex
	resumed chan struct{}
}

// NewRabbitConsumer opens a consuming channel with prefetch equal to the
// in-flight ceiling so back-pressure propagates to the broker.
func NewRabbitConsumer(cfg config.BrokerConfig, prefetch int, log logger.Logger) (*RabbitConsumer, error) {
	conn, err := amqp.Dial(amqpURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	producer, err := NewRabbitProducer(cfg, log)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create re-routing producer: %w", err)
	}

	resumed := make(chan struct{})
	close(resumed)
	return &RabbitConsumer{
		cfg:      cfg,
		prefetch: prefetch,
		conn:     conn,
		ch:       ch,
		producer: producer,
		logger:   log,
		resumed:  resumed,
	}, nil
}

// Pause stops fetching new deliveries; in-flight messages drain normally
// and undelivered ones stay on the broker.
func (c *RabbitConsumer) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	select {
	case <-c.resumed:
		c.resumed = make(chan struct{})
		c.logger.Infow("Consumption paused")
	default:
	}
}

// Resume restarts delivery after a Pause.
func (c *RabbitConsumer) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	select {
	case <-c.resumed:
	default:
		close(c.resumed)
		c.logger.Infow("Consumption resumed")
	}
}

func (c *RabbitConsumer) resumeGate() <-chan struct{} {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.resumed
}

func (c *RabbitConsumer) Consume(ctx context.Context, queue string, handler HandlerFunc) error {
	if err := declareQueue(c.ch, queue); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queue, err)
	}

	c.logger.Infow("Started consuming", "queue", queue, "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			c.logger.Infow("Stopped consuming", "queue", queue, "reason", "context canceled")
			return ctx.Err()
		case <-c.resumeGate():
		}

		select {
		case <-ctx.Done():
			c.logger.Infow("Stopped consuming", "queue", queue, "reason", "context canceled")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				c.handleDelivery(ctx, queue, d, handler)
			}(d)
			continue
		}
	}
}

func (c *RabbitConsumer) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, handler HandlerFunc) {
	msgCtx, span := tracing.StartSpanFromDelivery(ctx, "broker.consume", d.Headers)
	defer span.End()

	req, err := models.Deserialise(d.Body)
	if err != nil {
		c.logger.ErrorwCtx(msgCtx, "Malformed message, dead-lettering",
			"error", err,
			"queue", queue,
		)
		c.deadLetterRaw(msgCtx, queue, d)
		return
	}

	msgCtx = logging.WithMessageID(msgCtx, req.ID)
	msgCtx = logging.WithProjectSlug(msgCtx, req.ProjectName)
	msgCtx = logging.WithQueue(msgCtx, queue)

	verdict := handler(msgCtx, req)

	switch verdict {
	case Ack:
		if err := d.Ack(false); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to ack message", "error", err)
		}
		metrics.MessagesTotal.WithLabelValues(queue, "acked").Inc()
	case Requeue:
		// Small pause keeps a hot requeue loop from spinning the broker.
		time.Sleep(time.Second)
		if err := d.Nack(false, true); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to nack message", "error", err)
		}
		metrics.MessagesTotal.WithLabelValues(queue, "requeued").Inc()
	case RouteSecondary:
		if err := c.producer.Publish(msgCtx, constants.QueueSecondary, req); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to route to secondary queue, requeueing",
				"error", err,
			)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		metrics.MessagesTotal.WithLabelValues(queue, "routed_secondary").Inc()
		c.logger.InfowCtx(msgCtx, "Routed message to secondary queue",
			"priority", req.Priority,
		)
	case DeadLetter:
		if err := c.producer.Publish(msgCtx, constants.QueueDeadLetter, req); err != nil {
			c.logger.ErrorwCtx(msgCtx, "Failed to dead-letter message", "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		metrics.DLQMessagesTotal.WithLabelValues(queue, "handler").Inc()
		c.logger.WarnwCtx(msgCtx, "Message dead-lettered")
	}
}

// deadLetterRaw forwards an undecodable body verbatim so it is not lost.
func (c *RabbitConsumer) deadLetterRaw(ctx context.Context, queue string, d amqp.Delivery) {
	c.producer.mu.Lock()
	err := c.producer.ch.PublishWithContext(ctx, "", constants.QueueDeadLetter, false, false, amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
	})
	c.producer.mu.Unlock()
	if err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to dead-letter malformed message", "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
	metrics.DLQMessagesTotal.WithLabelValues(queue, "malformed").Inc()
}

// Check reports broker liveness for the health registry.
func (c *RabbitConsumer) Check() error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}

func (c *RabbitConsumer) Close() error {
	var err error
	if c.ch != nil {
		err = c.ch.Close()
	}
	if c.conn != nil {
		if closeErr := c.conn.Close(); err == nil {
			err = closeErr
		}
	}
	if c.producer != nil {
		if closeErr := c.producer.Close(); err == nil {
			err = closeErr
		}
	}
	c.wg.Wait()
	return err
}
