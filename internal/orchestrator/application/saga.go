package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	sagadomain "github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
)

type step struct {
	name       string
	execute    func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// saga runs steps in order and, when one fails, compensates the completed
// ones last-in first-out.
type saga struct {
	log     *slog.Logger
	journal Journal
	id      uuid.UUID
	name    string
	steps   []step
}

func newSaga(log *slog.Logger, journal Journal, id uuid.UUID, name string) *saga {
	return &saga{log: log, journal: journal, id: id, name: name}
}

func (s *saga) step(name string, execute, compensate func(ctx context.Context) error) *saga {
	s.steps = append(s.steps, step{name: name, execute: execute, compensate: compensate})
	return s
}

func (s *saga) run(ctx context.Context) error {
	done := make([]step, 0, len(s.steps))
	for _, st := range s.steps {
		s.record(ctx, st.name, sagadomain.StateStarted, nil)
		if err := st.execute(ctx); err != nil {
			s.record(ctx, st.name, sagadomain.StateFailed, err)
			s.log.WarnContext(ctx, "saga step failed, compensating", "saga", s.name, "saga_id", s.id, "step", st.name, "err", err)
			s.rollback(context.WithoutCancel(ctx), done)
			return err
		}
		s.record(ctx, st.name, sagadomain.StateCompleted, nil)
		done = append(done, st)
	}
	return nil
}

func (s *saga) rollback(ctx context.Context, done []step) {
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.compensate == nil {
			continue
		}
		if err := st.compensate(ctx); err != nil {
			s.record(ctx, st.name, sagadomain.StateCompensationFailed, err)
			s.log.ErrorContext(ctx, "saga compensation failed", "saga", s.name, "saga_id", s.id, "step", st.name, "err", err)
			continue
		}
		s.record(ctx, st.name, sagadomain.StateCompensated, nil)
	}
}

func (s *saga) record(ctx context.Context, stepName string, state sagadomain.SagaState, cause error) {
	appendEntry(ctx, s.log, s.journal, s.id, s.name, stepName, state, cause)
}

func appendEntry(ctx context.Context, log *slog.Logger, journal Journal, id uuid.UUID, sagaName, stepName string, state sagadomain.SagaState, cause error) {
	e := sagadomain.Entry{
		SagaID:    id,
		Saga:      sagaName,
		Step:      stepName,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	if err := journal.Append(ctx, e); err != nil {
		log.WarnContext(ctx, "saga journal append failed", "saga_id", id, "step", stepName, "err", err)
	}
}
