package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail map[string]error
	// failOnce rejects the first write for a key, then accepts it.
	failOnce map[string]bool
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if err := p.fail[string(m.Key)]; err != nil {
			return err
		}
		if p.failOnce[string(m.Key)] {
			delete(p.failOnce, string(m.Key))
			return errors.New("leader not available")
		}
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type fakeStore struct {
	events   []Event
	sent     []int64
	failed   map[int64]bool
	released []int64
	extended int
}

func (s *fakeStore) LockBatch(_ context.Context, _ string, batchSize, _ int, _ time.Duration) ([]Event, error) {
	var out []Event
	for i, e := range s.events {
		if (e.Status == StatusPending || e.Status == StatusFailed) && len(out) < batchSize {
			s.events[i].Status = StatusInProgress
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) Release(_ context.Context, _ string, ids []int64) error {
	s.released = append(s.released, ids...)
	s.setStatus(ids, StatusPending)
	return nil
}

func (s *fakeStore) setStatus(ids []int64, st Status) {
	for i := range s.events {
		for _, id := range ids {
			if s.events[i].ID == id {
				s.events[i].Status = st
			}
		}
	}
}

func (s *fakeStore) MarkSent(_ context.Context, ids []int64) error {
	s.sent = append(s.sent, ids...)
	s.setStatus(ids, StatusSent)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, _ string, dead bool) error {
	s.failed[id] = dead
	st := StatusFailed
	if dead {
		st = StatusDead
	}
	s.setStatus([]int64{id}, st)
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].RetryCount++
		}
	}
	return nil
}

func (s *fakeStore) ExtendLease(context.Context, string, []int64, time.Duration) error {
	s.extended++
	return nil
}

type countingObserver struct{ ok, failed, dead int }

func (c *countingObserver) Abandoned() { c.dead++ }

func (c *countingObserver) Dispatched(ok bool) {
	if ok {
		c.ok++
		return
	}
	c.failed++
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRelay_Flush(t *testing.T) {
	store := &fakeStore{failed: map[int64]bool{}}
	for i, key := range []string{"a", "b", "c"} {
		e := NewEvent("order", key, "OrderStatusChanged", []byte(`{"k":"`+key+`"}`), "")
		e.ID = int64(i + 1)
		store.events = append(store.events, e)
	}
	empty := NewEvent("order", "d", "OrderStatusChanged", nil, "")
	empty.ID = 4
	store.events = append(store.events, empty)

	producer := &fakeProducer{fail: map[string]error{"b": errors.New("broker down")}}
	obs := &countingObserver{}
	relay := NewRelay(discard(), store, NewDispatcher(discard(), producer, "topic-orders"), "relay-1", RelayConfig{MaxRetries: 3}).
		WithObserver(obs)

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 3}, store.sent)
	assert.Equal(t, map[int64]bool{2: false, 4: true}, store.failed)
	assert.Equal(t, 2, obs.ok)
	assert.Equal(t, 2, obs.failed)
	assert.Equal(t, 1, obs.dead)

	require.Len(t, producer.msgs, 2)
	msg := producer.msgs[0]
	assert.Equal(t, "topic-orders", msg.Topic)
	assert.Equal(t, []byte("a"), msg.Key)
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "OrderStatusChanged", headers["event_type"])
	assert.Equal(t, "order", headers["aggregate_type"])
}

func TestRelay_HoldsBackAggregateAfterFailure(t *testing.T) {
	store := &fakeStore{failed: map[int64]bool{}}
	for i, st := range []struct{ key, payload string }{
		{"x", `{"status":"FAILED"}`},
		{"x", `{"status":"SUCCESS"}`},
		{"y", `{"status":"SUCCESS"}`},
	} {
		e := NewEvent("order", st.key, "OrderStatusChanged", []byte(st.payload), "")
		e.ID = int64(i + 1)
		store.events = append(store.events, e)
	}
	producer := &fakeProducer{failOnce: map[string]bool{"x": true}}
	relay := NewRelay(discard(), store, NewDispatcher(discard(), producer, "t"), "relay-1", RelayConfig{MaxRetries: 5})

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{3}, store.sent)
	assert.Equal(t, []int64{2}, store.released)
	assert.Equal(t, map[int64]bool{1: false}, store.failed)

	n, err = relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var published []string
	for _, m := range producer.msgs {
		if string(m.Key) == "x" {
			published = append(published, string(m.Value))
		}
	}
	assert.Equal(t, []string{`{"status":"FAILED"}`, `{"status":"SUCCESS"}`}, published)
	assert.Zero(t, store.events[1].RetryCount, "a held back event keeps its retry budget")
}

func TestRelay_AbandonsAfterMaxRetries(t *testing.T) {
	e := NewEvent("order", "x", "OrderStatusChanged", []byte(`{}`), "")
	e.ID = 9
	e.RetryCount = 2
	store := &fakeStore{failed: map[int64]bool{}, events: []Event{e}}
	producer := &fakeProducer{fail: map[string]error{"x": errors.New("timeout")}}
	relay := NewRelay(discard(), store, NewDispatcher(discard(), producer, "t"), "relay-1", RelayConfig{MaxRetries: 3})

	n, err := relay.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, store.failed[9])
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := &fakeStore{failed: map[int64]bool{}}
	e := NewEvent("order", "a", "OrderStatusChanged", []byte(`{}`), "")
	e.ID = 1
	store.events = []Event{e}
	producer := &fakeProducer{}
	relay := NewRelay(discard(), store, NewDispatcher(discard(), producer, "t"), "relay-1", RelayConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return len(producer.msgs) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
