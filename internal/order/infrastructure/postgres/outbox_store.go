package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
)

type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

// LockBatch leases pending rows, failed rows still under maxRetries and rows
// whose previous lease expired. A row is held back while an older row of the
// same aggregate is still undelivered, so one aggregate is relayed in id order.
func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize, maxRetries int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, payload::text, headers, traceparent, created_at, retry_count
		FROM outbox
		WHERE (status = 'pending'
		   OR (status = 'failed' AND retry_count < $2)
		   OR (status = 'in_progress' AND lease_until < now()))
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = outbox.aggregate_id
			  AND p.id < outbox.id
			  AND (p.status IN ('pending', 'in_progress') OR (p.status = 'failed' AND p.retry_count < $2))
		  )
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize, maxRetries)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select outbox batch")
	}

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		var payload string
		var headers map[string]string
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.Type, &payload, &headers, &event.Traceparent, &event.CreatedAt, &event.RetryCount); err != nil {
			rows.Close()
			return nil, err
		}
		event.Payload = []byte(payload)
		event.Headers = headers
		event.Status = outbox.StatusInProgress
		event.RelayID = relayID
		events = append(events, event)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}

	_, err = tx.Exec(ctx, `UPDATE outbox SET status = 'in_progress', relay_id = $1, lease_until = now() + make_interval(secs => $2) WHERE id = ANY($3)`,
		relayID, lease.Seconds(), ids)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lease outbox batch")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', lease_until = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string, dead bool) error {
	status := outbox.StatusFailed
	if dead {
		status = outbox.StatusDead
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status = $3, last_error = $2, retry_count = retry_count + 1, lease_until = NULL WHERE id = $1`,
		id, errMsg, string(status))
	return err
}

func (s *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET lease_until = now() + make_interval(secs => $1) WHERE id = ANY($2) AND relay_id = $3`,
		lease.Seconds(), ids, relayID)
	return err
}

func (s *OutboxStore) Release(ctx context.Context, relayID string, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox
		SET status = CASE WHEN retry_count > 0 THEN 'failed' ELSE 'pending' END, lease_until = NULL
		WHERE id = ANY($1) AND relay_id = $2 AND status = 'in_progress'`,
		ids, relayID)
	return errors.Wrap(err, "failed to release outbox events")
}
