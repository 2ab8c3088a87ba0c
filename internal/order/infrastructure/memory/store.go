package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	sagadomain "github.com/dmehra2102/order-orchestrator/internal/orchestrator/domain"
	"github.com/dmehra2102/order-orchestrator/internal/order/domain"
	"github.com/dmehra2102/order-orchestrator/pkg/outbox"
)

// Store keeps orders, users, the outbox and the saga journal in process memory.
// It backs the memory database driver and the tests.
type Store struct {
	mu      sync.Mutex
	orderID int64
	userID  int64
	eventID int64
	orders  map[uuid.UUID]domain.Order
	users   map[int64]domain.User
	outbox  []outbox.Event
	leases  map[int64]time.Time
	journal []sagadomain.Entry
}

func NewStore() *Store {
	return &Store{
		orders: map[uuid.UUID]domain.Order{},
		users:  map[int64]domain.User{},
		leases: map[int64]time.Time{},
	}
}

func (s *Store) Create(_ context.Context, o domain.Order) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.UUID]; ok {
		return domain.Order{}, errors.Errorf("order %s already exists", o.UUID)
	}
	s.orderID++
	o.ID = s.orderID
	o.Version = 0
	o.LineItems = append([]domain.LineItem(nil), o.LineItems...)
	s.orders[o.UUID] = o
	return clone(o), nil
}

func (s *Store) GetByUUID(_ context.Context, id uuid.UUID) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *Store) SaveWithOutbox(_ context.Context, o domain.Order, event outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[o.UUID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.Version != o.Version {
		return domain.ErrConcurrentUpdate
	}
	stored.Status = o.Status
	stored.UpdatedAt = o.UpdatedAt
	stored.PaymentID = o.PaymentID
	stored.LineItems = append([]domain.LineItem(nil), o.LineItems...)
	stored.Version++
	s.orders[o.UUID] = stored

	s.eventID++
	event.ID = s.eventID
	event.Status = outbox.StatusPending
	s.outbox = append(s.outbox, event)
	return nil
}

func (s *Store) FindUser(_ context.Context, subID, username string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.SubID == subID && u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (s *Store) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.SubID == u.SubID || existing.Username == u.Username {
			return domain.User{}, domain.ErrDuplicateUser
		}
	}
	s.userID++
	u.ID = s.userID
	s.users[u.ID] = u
	return u, nil
}

func (s *Store) Append(_ context.Context, e sagadomain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
	return nil
}

func (s *Store) LockBatch(_ context.Context, relayID string, batchSize, maxRetries int, lease time.Duration) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []outbox.Event
	for i := range s.outbox {
		if len(out) == batchSize {
			break
		}
		e := &s.outbox[i]
		eligible := e.Status == outbox.StatusPending ||
			(e.Status == outbox.StatusFailed && e.RetryCount < maxRetries) ||
			(e.Status == outbox.StatusInProgress && now.After(s.leases[e.ID]))
		if !eligible || s.heldBack(i, maxRetries) {
			continue
		}
		e.Status = outbox.StatusInProgress
		e.RelayID = relayID
		s.leases[e.ID] = now.Add(lease)
		out = append(out, *e)
	}
	return out, nil
}

// heldBack reports whether an older event of the same aggregate is still undelivered.
func (s *Store) heldBack(i, maxRetries int) bool {
	agg := s.outbox[i].AggregateID
	for _, p := range s.outbox[:i] {
		if p.AggregateID != agg {
			continue
		}
		switch {
		case p.Status == outbox.StatusPending, p.Status == outbox.StatusInProgress:
			return true
		case p.Status == outbox.StatusFailed && p.RetryCount < maxRetries:
			return true
		}
	}
	return false
}

func (s *Store) MarkSent(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e := s.find(id); e != nil {
			e.Status = outbox.StatusSent
		}
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, errMsg string, dead bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(id)
	if e == nil {
		return errors.Errorf("outbox event %d not found", id)
	}
	e.Status = outbox.StatusFailed
	if dead {
		e.Status = outbox.StatusDead
	}
	e.RetryCount++
	e.LastError = &errMsg
	return nil
}

func (s *Store) ExtendLease(_ context.Context, relayID string, ids []int64, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e := s.find(id); e != nil && e.RelayID == relayID {
			s.leases[id] = time.Now().Add(lease)
		}
	}
	return nil
}

func (s *Store) Release(_ context.Context, relayID string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e := s.find(id)
		if e == nil || e.RelayID != relayID || e.Status != outbox.StatusInProgress {
			continue
		}
		e.Status = outbox.StatusPending
		if e.RetryCount > 0 {
			e.Status = outbox.StatusFailed
		}
		delete(s.leases, id)
	}
	return nil
}

// Events returns a copy of the outbox in insertion order.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.outbox...)
}

func (s *Store) Journal() []sagadomain.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sagadomain.Entry(nil), s.journal...)
}

func (s *Store) find(id int64) *outbox.Event {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

func clone(o domain.Order) domain.Order {
	o.LineItems = append([]domain.LineItem(nil), o.LineItems...)
	if o.UpdatedAt != nil {
		t := *o.UpdatedAt
		o.UpdatedAt = &t
	}
	return o
}
