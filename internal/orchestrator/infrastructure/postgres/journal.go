package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
)

// Journal appends saga step transitions to saga_journal.
type Journal struct {
	pool *pgxpool.Pool
}

func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

func (j *Journal) Append(ctx context.Context, e domain.Entry) error {
	_, err := j.pool.Exec(ctx, `INSERT INTO saga_journal (saga_id, saga, step, state, error, trace_id, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
		e.SagaID.String(), e.Saga, e.Step, string(e.State), e.Error, e.TraceID, e.CreatedAt)
	return errors.Wrap(err, "failed to append saga journal entry")
}

func (j *Journal) List(ctx context.Context, sagaID uuid.UUID) ([]domain.Entry, error) {
	rows, err := j.pool.Query(ctx, `SELECT saga_id::text, saga, step, state, error, trace_id, created_at
		FROM saga_journal WHERE saga_id = $1::uuid ORDER BY id`, sagaID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list saga journal")
	}
	defer rows.Close()

	var out []domain.Entry
	for rows.Next() {
		var e domain.Entry
		var id, state string
		if err := rows.Scan(&id, &e.Saga, &e.Step, &state, &e.Error, &e.TraceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.SagaID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		e.State = domain.SagaState(state)
		out = append(out, e)
	}
	return out, rows.Err()
}
