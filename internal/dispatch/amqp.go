package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"meetai/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

const retryHeader = "x-retry-count"

// AMQPConfig configures the RabbitMQ backend.
type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	MaxRetries int
	// ConnectionName is shown in the broker's management UI.
	ConnectionName string
	Logger         *slog.Logger
}

// AMQP publishes jobs as persistent messages to a durable topic exchange and
// consumes them with manual acknowledgements.
type AMQP struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	pubLock sync.Mutex
}

var _ Backend = (*AMQP)(nil)

func NewAMQP(cfg AMQPConfig) *AMQP {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ConnectionName == "" {
		cfg.ConnectionName = "meetai"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQP{cfg: cfg, logger: logger.With("component", "amqp")}
}

func (a *AMQP) Ping(ctx context.Context) error {
	_, err := a.connection()
	return err
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pubCh != nil {
		_ = a.pubCh.Close()
		a.pubCh = nil
	}
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// connection dials and declares the topology when needed.
func (a *AMQP) connection() (*amqp.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil && !a.conn.IsClosed() {
		return a.conn, nil
	}
	if a.cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}

	conn, err := amqp.DialConfig(a.cfg.URL, amqp.Config{Properties: amqp.Table{
		"connection_name": a.cfg.ConnectionName,
	}})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}
	q, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	if err := ch.QueueBind(q.Name, a.cfg.RoutingKey, a.cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("queue bind %s: %w", a.cfg.RoutingKey, err)
	}

	a.conn = conn
	a.pubCh = nil
	return conn, nil
}

// publishChannel returns a channel in confirm mode.
func (a *AMQP) publishChannel() (*amqp.Channel, error) {
	conn, err := a.connection()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pubCh != nil && !a.pubCh.IsClosed() {
		return a.pubCh, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	a.pubCh = ch
	return ch, nil
}

// Enqueue publishes the job and waits for the broker to confirm it.
func (a *AMQP) Enqueue(ctx context.Context, job domain.Job) error {
	msg, err := publishing(job)
	if err != nil {
		return err
	}
	ch, err := a.publishChannel()
	if err != nil {
		return err
	}

	a.pubLock.Lock()
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.cfg.Exchange, a.cfg.RoutingKey, false, false, msg)
	a.pubLock.Unlock()
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("amqp publish of job %s was nacked by the broker", job.ID)
	}
	a.logger.Debug("job published", "job_id", job.ID, "meeting_id", job.Data.MeetingID)
	return nil
}

func publishing(job domain.Job) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    job.ID,
		Type:         job.Name,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		Headers:      amqp.Table{retryHeader: int32(0)},
	}, nil
}

func decodeDelivery(body []byte, headers amqp.Table) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("invalid job json: %w", err)
	}
	if job.ID == "" || job.Data.MeetingID == "" {
		return job, errors.New("job is missing id or meetingId")
	}
	job.Attempts = retryCount(headers) + 1
	return job, nil
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch t := headers[retryHeader].(type) {
	case int32:
		return int(t)
	case int64:
		return int(t)
	case int:
		return t
	}
	return 0
}

func setRetryCount(headers amqp.Table, n int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryHeader] = int32(n)
	return out
}

// Consume reads deliveries until ctx is done, reconnecting with backoff.
// A failed job is republished with an incremented retry header until
// MaxRetries is exceeded, after which it is dropped and logged.
func (a *AMQP) Consume(ctx context.Context, handler Handler) error {
	a.logger.Info("starting consumer",
		"exchange", a.cfg.Exchange, "queue", a.cfg.Queue, "routing_key", a.cfg.RoutingKey,
		"prefetch", a.cfg.Prefetch, "max_retries", a.cfg.MaxRetries)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for ctx.Err() == nil {
		conn, err := a.connection()
		if err != nil {
			wait := backoff + time.Duration(rand.Int64N(int64(backoff/2)))
			a.logger.Warn("connection failed, retrying", "backoff", wait, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if err := a.consumeOn(ctx, conn, handler); err != nil {
			a.logger.Warn("consumer stopped, reconnecting", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
	}
	return nil
}

func (a *AMQP) consumeOn(ctx context.Context, conn *amqp.Connection, handler Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(a.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer registration: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.handleDelivery(ctx, ch, d, handler)
		}
	}
}

func (a *AMQP) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, handler Handler) {
	job, err := decodeDelivery(d.Body, d.Headers)
	if err != nil {
		a.logger.Error("dropping undecodable message", "message_id", d.MessageId, "err", err)
		_ = d.Nack(false, false)
		return
	}

	herr := handler(ctx, job)
	if herr == nil {
		_ = d.Ack(false)
		return
	}
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	rc := retryCount(d.Headers)
	if rc >= a.cfg.MaxRetries {
		a.logger.Error("max retries exceeded, dropping job",
			"job_id", job.ID, "meeting_id", job.Data.MeetingID, "retries", rc, "err", herr)
		_ = d.Ack(false)
		return
	}

	a.logger.Warn("job failed, republishing", "job_id", job.ID, "retry", rc+1, "err", herr)
	repCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	repErr := ch.PublishWithContext(repCtx, d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      setRetryCount(d.Headers, rc+1),
	})
	cancel()
	if repErr != nil {
		a.logger.Error("republish failed, requeueing", "job_id", job.ID, "err", repErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
