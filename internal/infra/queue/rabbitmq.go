// Package queue implements the durable job queue (Queue, C7/C8) over a real
// AMQP 0-9-1 broker via amqp091-go, grounded on the original's aio_pika
// topology: a direct exchange feeding a durable queue whose arguments point
// at a dead-letter exchange/queue, persistent delivery, and per-message
// priority up to 9.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cptnfren/teltubby/internal/domain"
	"github.com/cptnfren/teltubby/internal/infra/metrics"
)

// Config carries the AMQP connection and topology settings (spec §4.7).
type Config struct {
	URL             string
	Exchange        string
	Queue           string
	DLXExchange     string
	DeadLetterQueue string
	PrefetchCount   int
}

// RabbitQueue is the amqp091-go-backed domain.Queue implementation.
type RabbitQueue struct {
	cfg  Config
	conn *amqp.Connection

	mu     sync.Mutex
	pubCh  *amqp.Channel
	consCh *amqp.Channel
}

var _ domain.Queue = (*RabbitQueue)(nil)

// Dial connects and declares the exchange/queue/DLX topology.
func Dial(cfg Config) (*RabbitQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	return &RabbitQueue{cfg: cfg, conn: conn}, nil
}

func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.DLXExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare job exchange: %w", err)
	}

	dlq, err := ch.QueueDeclare(cfg.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dlq.Name, cfg.DeadLetterQueue, cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    cfg.DLXExchange,
		"x-dead-letter-routing-key": cfg.DeadLetterQueue,
		"x-max-priority":            9,
	}
	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("declare job queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind job queue: %w", err)
	}
	return nil
}

func (q *RabbitQueue) publishChannel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pubCh != nil && !q.pubCh.IsClosed() {
		return q.pubCh, nil
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	q.pubCh = ch
	return ch, nil
}

// jobPayload mirrors the original's wire schema (job_manager.py docstring).
type jobPayload struct {
	JobID           string             `json:"job_id"`
	UserID          int64              `json:"user_id"`
	ChatID          int64              `json:"chat_id"`
	MessageID       int64              `json:"message_id"`
	FileInfo        jobFileInfo        `json:"file_info"`
	TelegramContext jobTelegramContext `json:"telegram_context"`
	JobMetadata     jobMetadataWire    `json:"job_metadata"`
}

type jobFileInfo struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size,omitempty"`
	FileType     string `json:"file_type"`
	FileName     string `json:"file_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
}

type jobTelegramContext struct {
	ForwardOrigin  *domain.ForwardOrigin `json:"forward_origin,omitempty"`
	Caption        string                `json:"caption,omitempty"`
	CaptionSpans   []domain.EntitySpan   `json:"caption_entities,omitempty"`
	Entities       []domain.EntitySpan   `json:"entities,omitempty"`
	MediaGroupID   string                `json:"media_group_id,omitempty"`
	ChatTitle      string                `json:"chat_title,omitempty"`
	ChatUsername   string                `json:"chat_username,omitempty"`
	SenderID       int64                 `json:"sender_id,omitempty"`
	SenderUsername string                `json:"sender_username,omitempty"`
}

type jobMetadataWire struct {
	CreatedAt  string `json:"created_at"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

func toWire(job domain.Job) jobPayload {
	return jobPayload{
		JobID:     job.ID,
		UserID:    job.UserID,
		ChatID:    job.ChatID,
		MessageID: job.MessageID,
		FileInfo: jobFileInfo{
			FileID:       job.File.FileID,
			FileUniqueID: job.File.FileUniqueID,
			FileSize:     job.File.FileSize,
			FileType:     string(job.File.FileType),
			FileName:     job.File.FileName,
			MIMEType:     job.File.MIMEType,
		},
		TelegramContext: jobTelegramContext{
			ForwardOrigin:  job.TGContext.ForwardOrigin,
			Caption:        job.TGContext.Caption,
			CaptionSpans:   job.TGContext.CaptionSpans,
			Entities:       job.TGContext.Entities,
			MediaGroupID:   job.TGContext.MediaGroupID,
			ChatTitle:      job.TGContext.ChatTitle,
			ChatUsername:   job.TGContext.ChatUsername,
			SenderID:       job.TGContext.SenderID,
			SenderUsername: job.TGContext.SenderUsername,
		},
		JobMetadata: jobMetadataWire{
			CreatedAt:  job.Metadata.CreatedAt.UTC().Format(time.RFC3339),
			Priority:   job.Metadata.Priority,
			RetryCount: job.Metadata.RetryCount,
			MaxRetries: job.Metadata.MaxRetries,
		},
	}
}

func fromWire(p jobPayload) (domain.Job, error) {
	createdAt, err := time.Parse(time.RFC3339, p.JobMetadata.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	return domain.Job{
		ID:        p.JobID,
		UserID:    p.UserID,
		ChatID:    p.ChatID,
		MessageID: p.MessageID,
		File: domain.FileInfo{
			FileID:       p.FileInfo.FileID,
			FileUniqueID: p.FileInfo.FileUniqueID,
			FileSize:     p.FileInfo.FileSize,
			FileType:     domain.MediaKind(p.FileInfo.FileType),
			FileName:     p.FileInfo.FileName,
			MIMEType:     p.FileInfo.MIMEType,
		},
		TGContext: domain.TelegramContext{
			ForwardOrigin:  p.TelegramContext.ForwardOrigin,
			Caption:        p.TelegramContext.Caption,
			CaptionSpans:   p.TelegramContext.CaptionSpans,
			Entities:       p.TelegramContext.Entities,
			MediaGroupID:   p.TelegramContext.MediaGroupID,
			ChatTitle:      p.TelegramContext.ChatTitle,
			ChatUsername:   p.TelegramContext.ChatUsername,
			SenderID:       p.TelegramContext.SenderID,
			SenderUsername: p.TelegramContext.SenderUsername,
		},
		Metadata: domain.JobMetadata{
			CreatedAt:  createdAt,
			Priority:   p.JobMetadata.Priority,
			RetryCount: p.JobMetadata.RetryCount,
			MaxRetries: p.JobMetadata.MaxRetries,
		},
		State: domain.JobPending,
	}, nil
}

// Publish sends job as a persistent, priority-tagged message to the main
// queue via the direct exchange, waiting for the broker's publisher confirm.
func (q *RabbitQueue) Publish(ctx context.Context, job domain.Job) error {
	ch, err := q.publishChannel()
	if err != nil {
		return domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}

	body, err := json.Marshal(toWire(job))
	if err != nil {
		return domain.NewIngestError(domain.ErrPayloadInvalid, err)
	}

	priority := job.Metadata.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}

	start := time.Now()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, q.cfg.Exchange, q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(priority),
		Type:         "teltubby.large_file.job",
		Headers:      amqp.Table{"schema": "1.0"},
		Body:         body,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.cfg.Queue, start, err)
	if err != nil {
		return domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return domain.NewIngestError(domain.ErrEnqueueFailed, err)
	}
	if !ok {
		return domain.NewIngestError(domain.ErrEnqueueFailed, fmt.Errorf("broker nacked publish of job %s", job.ID))
	}
	return nil
}

// Consume opens a dedicated channel with prefetch set to PrefetchCount, 1
// when unset (one in-flight job per worker by default, per §4.8's
// single-owner processing requirement) and streams
// domain.Delivery values until ctx is cancelled.
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan domain.Delivery, error) {
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	prefetch := q.cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	raw, err := ch.ConsumeWithContext(ctx, q.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	q.mu.Lock()
	q.consCh = ch
	q.mu.Unlock()

	out := make(chan domain.Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, more := <-raw:
				if !more {
					return
				}
				var payload jobPayload
				if err := json.Unmarshal(d.Body, &payload); err != nil {
					_ = d.Nack(false, false) // malformed body, dead-lettered by queue args
					continue
				}
				job, err := fromWire(payload)
				if err != nil {
					_ = d.Nack(false, false)
					continue
				}
				delivery := d
				out <- domain.Delivery{
					Job:  job,
					Ack:  func() error { return delivery.Ack(false) },
					Nack: func(requeue bool) error { return delivery.Nack(false, requeue) },
					// Reject always dead-letters via the queue's x-dead-letter-exchange
					// args when toDLX is true; a false requeues instead of dropping.
					Reject: func(toDLX bool) error { return delivery.Nack(false, !toDLX) },
				}
			}
		}
	}()
	return out, nil
}

// Close tears down both channels and the connection.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	if q.consCh != nil {
		q.consCh.Close()
	}
	q.mu.Unlock()
	return q.conn.Close()
}
