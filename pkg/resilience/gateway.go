package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrServiceUnavailable replaces every non-business failure once retries are
// exhausted or the breaker refuses the call.
var ErrServiceUnavailable = errors.New("service temporarily unavailable, please try again later")

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDomain
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDomain:
		return "domain_error"
	default:
		return "transient_error"
	}
}

type Observer interface {
	CallFinished(operation, outcome string)
	Retried(operation string)
	StateChanged(operation, state string)
}

type nopObserver struct{}

func (nopObserver) CallFinished(string, string) {}
func (nopObserver) Retried(string)              {}
func (nopObserver) StateChanged(string, string) {}

type Option func(*Gateway)

// WithDomainErrors sets the predicate recognising business errors. Those are
// returned unchanged, never retried and never counted as breaker failures.
func WithDomainErrors(fn func(error) bool) Option {
	return func(g *Gateway) { g.isDomain = fn }
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// WithPolicy overrides the default policy for one operation name. Names match
// case-insensitively since configuration keys arrive lower-cased.
func WithPolicy(name string, p Policy) Option {
	return func(g *Gateway) { g.policies[strings.ToLower(name)] = p }
}

// Gateway owns one circuit breaker per operation name.
type Gateway struct {
	log      *slog.Logger
	def      Policy
	policies map[string]Policy
	isDomain func(error) bool
	observer Observer
	tracer   trace.Tracer

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	policy Policy
	window *Window
	cb     *gobreaker.CircuitBreaker[any]
}

func New(log *slog.Logger, def Policy, opts ...Option) *Gateway {
	g := &Gateway{
		log:      log,
		def:      def,
		policies: map[string]Policy{},
		isDomain: func(error) bool { return false },
		observer: nopObserver{},
		tracer:   otel.Tracer("resilience"),
		breakers: map[string]*breaker{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case g.isDomain(err):
		return OutcomeDomain
	default:
		return OutcomeTransient
	}
}

func (g *Gateway) Policy(name string) Policy {
	if p, ok := g.policies[strings.ToLower(name)]; ok {
		return g.def.Merge(p)
	}
	return g.def
}

// State reports the breaker state for name ("closed" for unused operations).
func (g *Gateway) State(name string) string {
	g.mu.Lock()
	b, ok := g.breakers[name]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

// Reset drops every breaker; the next call per operation starts closed with an empty window.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breakers = map[string]*breaker{}
}

func (g *Gateway) breaker(name string) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}

	p := g.Policy(name)
	w := NewWindow(p.SlidingWindowSize, p.minimumCalls(), p.FailureRateThreshold)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(max(p.HalfOpenCalls, 1)),
		Timeout:     p.OpenStateDuration,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return w.ShouldTrip()
		},
		IsSuccessful: func(err error) bool {
			return g.Classify(err) != OutcomeTransient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				w.Reset()
			}
			g.log.Warn("circuit breaker state changed", "operation", name, "from", from.String(), "to", to.String())
			g.observer.StateChanged(name, to.String())
		},
	}
	b := &breaker{policy: p, window: w, cb: gobreaker.NewCircuitBreaker[any](settings)}
	g.breakers[name] = b
	return b
}

// Execute runs fn as operation name: each attempt passes the breaker and its
// own timeout, transient failures are retried with backoff, and whatever is
// left that is not a business error becomes ErrServiceUnavailable.
func Execute[T any](ctx context.Context, g *Gateway, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, span := g.tracer.Start(ctx, "gateway."+name)
	defer span.End()

	b := g.breaker(name)
	attempts := 0
	op := func() (T, error) {
		attempts++
		res, err := b.cb.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, b.policy.Timeout)
			defer cancel()
			v, err := fn(actx)
			b.window.Record(g.Classify(err) == OutcomeTransient)
			return v, err
		})
		if err == nil {
			v, _ := res.(T)
			return v, nil
		}
		if g.Classify(err) == OutcomeDomain || rejected(err) || ctx.Err() != nil {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	v, err := backoff.Retry[T](ctx, op,
		backoff.WithBackOff(b.policy.newBackOff()),
		backoff.WithMaxTries(uint(max(b.policy.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.observer.Retried(name)
			g.log.Warn("retrying remote call", "operation", name, "attempt", attempts, "backoff", next, "err", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	outcome := g.Classify(err)
	span.SetAttributes(attribute.Int("attempts", attempts), attribute.String("outcome", outcome.String()))
	g.observer.CallFinished(name, outcome.String())

	switch outcome {
	case OutcomeSuccess:
		return v, nil
	case OutcomeDomain:
		return zero, err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "service unavailable")
	g.log.Error("remote call fallback", "operation", name, "attempts", attempts, "state", b.cb.State().String(), "err", err)
	return zero, ErrServiceUnavailable
}

// Run is Execute for calls without a result.
func (g *Gateway) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	_, err := Execute(ctx, g, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
