package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"unitflow/internal/core/id"
	"unitflow/internal/core/uow"
	"unitflow/pkg/logger"
)

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Compression algorithms recorded per message.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// OutboxMessage is one row of the transactional outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   id.ID        `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Compression   string       `db:"compression"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

// DomainEvent is an event to be recorded in the outbox.
type DomainEvent struct {
	AggregateType string
	AggregateID   id.ID
	EventType     string
	Payload       any
}

// builder returns a squirrel builder with PostgreSQL placeholders.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Publisher writes events to the outbox through the transaction currently
// in scope, so the event rows commit or roll back together with the
// business writes that produced them.
type Publisher struct {
	u         *uow.UnitOfWork[Client]
	encoder   *zstd.Encoder
	threshold int // payloads above this many bytes are compressed
}

// NewPublisher creates an outbox publisher bound to a unit of work.
func NewPublisher(u *uow.UnitOfWork[Client]) (*Publisher, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Publisher{
		u:         u,
		encoder:   encoder,
		threshold: 10 * 1024,
	}, nil
}

// Publish records an event in the outbox. Must be called inside a Wrap/Scope
// invocation; outside one it fails rather than writing an untracked row.
func (p *Publisher) Publish(ctx context.Context, event DomainEvent) error {
	client, err := p.u.Client(ctx)
	if err != nil {
		return fmt.Errorf("outbox publish requires a transaction scope: %w", err)
	}

	payload, compression, err := p.encodePayload(event.Payload)
	if err != nil {
		return err
	}

	sql, args, err := builder().
		Insert("sys_outbox").
		Columns("id", "aggregate_type", "aggregate_id", "event_type",
			"payload", "compression", "status", "created_at").
		Values(id.New(), event.AggregateType, event.AggregateID, event.EventType,
			payload, compression, OutboxStatusPending, time.Now().UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	if _, err := client.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// PublishBatch records multiple events, using pgx batching when the client
// supports it.
func (p *Publisher) PublishBatch(ctx context.Context, events []DomainEvent) error {
	client, err := p.u.Client(ctx)
	if err != nil {
		return fmt.Errorf("outbox publish requires a transaction scope: %w", err)
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, event := range events {
		payload, compression, err := p.encodePayload(event.Payload)
		if err != nil {
			return err
		}
		sql, args, err := builder().
			Insert("sys_outbox").
			Columns("id", "aggregate_type", "aggregate_id", "event_type",
				"payload", "compression", "status", "created_at").
			Values(id.New(), event.AggregateType, event.AggregateID, event.EventType,
				payload, compression, OutboxStatusPending, now).
			ToSql()
		if err != nil {
			return fmt.Errorf("build outbox insert: %w", err)
		}
		batch.Queue(sql, args...)
	}

	sender, ok := client.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		// Fall back to sequential inserts for clients without batching.
		for i := 0; i < batch.Len(); i++ {
			q := batch.QueuedQueries[i]
			if _, err := client.Exec(ctx, q.SQL, q.Arguments...); err != nil {
				return fmt.Errorf("insert outbox message: %w", err)
			}
		}
		return nil
	}

	results := sender.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert outbox message: %w", err)
		}
	}
	return nil
}

// encodePayload marshals the payload and compresses it above the threshold.
func (p *Publisher) encodePayload(payload any) ([]byte, string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal event payload: %w", err)
	}
	if len(raw) <= p.threshold {
		return raw, CompressionNone, nil
	}
	return p.encoder.EncodeAll(raw, nil), CompressionZstd, nil
}

// OutboxHandler processes drained outbox messages (e.g. hands them to a
// broker client).
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// Relay drains pending outbox messages in batches. Each batch runs inside
// its own transaction with SKIP LOCKED row claims, so multiple relay
// instances can drain the same table. The polling loop that calls
// ProcessBatch is up to the host application.
type Relay struct {
	u          *uow.UnitOfWork[Client]
	decoder    *zstd.Decoder
	batchSize  int
	maxRetries int
	backoff    time.Duration
	handler    OutboxHandler
}

// NewRelay creates an outbox relay.
func NewRelay(u *uow.UnitOfWork[Client], batchSize int, handler OutboxHandler) (*Relay, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Relay{
		u:          u,
		decoder:    decoder,
		batchSize:  batchSize,
		maxRetries: 5,
		backoff:    time.Minute,
		handler:    handler,
	}, nil
}

// ProcessBatch claims and processes up to batchSize pending messages.
// Returns the number of successfully handled messages.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.u.WrapWithOptions(ctx, uow.Options{Propagation: uow.PropagationNew},
		func(ctx context.Context, client Client) error {
			msgs, err := r.claim(ctx, client)
			if err != nil {
				return err
			}
			for i := range msgs {
				msg := &msgs[i]
				if err := r.process(ctx, client, msg); err != nil {
					logger.Error(ctx, "outbox message failed",
						"message_id", msg.ID, "event_type", msg.EventType, "error", err)
					continue
				}
				processed++
			}
			return nil
		})
	return processed, err
}

// claimSQL builds the row-claiming query for one batch.
func claimSQL(batchSize int) (string, []any, error) {
	return builder().
		Select("id", "aggregate_type", "aggregate_id", "event_type", "payload",
			"compression", "status", "retry_count", "last_error", "next_retry_at",
			"created_at", "published_at").
		From("sys_outbox").
		Where(squirrel.Eq{"status": OutboxStatusPending}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.Expr("next_retry_at <= NOW()"),
		}).
		OrderBy("created_at").
		Limit(uint64(batchSize)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
}

// claim selects the next pending batch, locking the rows for this relay.
func (r *Relay) claim(ctx context.Context, client Client) ([]OutboxMessage, error) {
	sql, args, err := claimSQL(r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	var msgs []OutboxMessage
	if err := pgxscan.Select(ctx, client, &msgs, sql, args...); err != nil {
		return nil, fmt.Errorf("fetch outbox messages: %w", err)
	}
	return msgs, nil
}

// process decodes, hands off, and updates one message. Handler failures are
// recorded on the row rather than propagated, so one bad message cannot
// stall the batch.
func (r *Relay) process(ctx context.Context, client Client, msg *OutboxMessage) error {
	if msg.Compression == CompressionZstd {
		raw, err := r.decoder.DecodeAll(msg.Payload, nil)
		if err != nil {
			return errors.Join(err, r.markFailed(ctx, client, msg, err))
		}
		msg.Payload = raw
	}
	if err := r.handler.Handle(ctx, msg); err != nil {
		return errors.Join(err, r.markFailed(ctx, client, msg, err))
	}
	return r.markPublished(ctx, client, msg)
}

func (r *Relay) markPublished(ctx context.Context, client Client, msg *OutboxMessage) error {
	sql, args, err := builder().
		Update("sys_outbox").
		Set("status", OutboxStatusPublished).
		Set("published_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": msg.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}
	if _, err := client.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark outbox message published: %w", err)
	}
	return nil
}

// moveToDLQSQL moves parked rows out of the live table in one statement so
// the sweep needs no per-row round trips.
const moveToDLQSQL = `
	WITH moved AS (
		DELETE FROM sys_outbox
		WHERE status = $1 AND retry_count >= $2
		RETURNING *
	)
	INSERT INTO sys_outbox_dlq
	SELECT *, NOW() AS failed_at FROM moved`

// MoveToDLQ sweeps messages parked as failed into the dead letter table,
// so exhausted retries leave the live outbox instead of accumulating.
// Returns the number of rows moved.
func (r *Relay) MoveToDLQ(ctx context.Context) (int64, error) {
	var moved int64
	err := r.u.WrapWithOptions(ctx, uow.Options{Propagation: uow.PropagationNew},
		func(ctx context.Context, client Client) error {
			tag, err := client.Exec(ctx, moveToDLQSQL, OutboxStatusFailed, r.maxRetries)
			if err != nil {
				return fmt.Errorf("move to dead letter queue: %w", err)
			}
			moved = tag.RowsAffected()
			return nil
		})
	return moved, err
}

// markFailed bumps the retry counter with linear backoff; past maxRetries
// the message parks as failed for manual inspection.
func (r *Relay) markFailed(ctx context.Context, client Client, msg *OutboxMessage, cause error) error {
	retries := msg.RetryCount + 1
	status := OutboxStatusPending
	if retries >= r.maxRetries {
		status = OutboxStatusFailed
	}
	nextRetry := time.Now().UTC().Add(time.Duration(retries) * r.backoff)

	sql, args, err := builder().
		Update("sys_outbox").
		Set("status", status).
		Set("retry_count", retries).
		Set("last_error", cause.Error()).
		Set("next_retry_at", nextRetry).
		Where(squirrel.Eq{"id": msg.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}
	if _, err := client.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}
