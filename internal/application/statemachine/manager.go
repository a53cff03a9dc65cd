package statemachine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/execution-hub/dataspace-connector/internal/application/listener"
	"github.com/execution-hub/dataspace-connector/internal/domain/event"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

const instrumentation = "github.com/execution-hub/dataspace-connector/statemachine"

const (
	DefaultBatchSize   = 20
	DefaultParallelism = 4
	DefaultMaxRetries  = 7
)

// Handler performs the step owed in one state. It receives a detached copy
// that it may mutate; the manager persists it according to the outcome.
type Handler[T process.Entity[T]] func(ctx context.Context, entity T) Outcome

// Config tunes a Manager.
type Config struct {
	// Name is the entity type, used in logs, spans and events.
	Name      string
	WorkerID  string
	BatchSize int
	// Parallelism bounds concurrent handler invocations within a batch.
	Parallelism int

	// ErrorState receives entities on Fatal. ErrorStateFor overrides it per state.
	ErrorState    int
	ErrorStateFor func(state int) int

	DefaultMaxRetries int
	MaxRetries        map[int]int

	// RetryBaseDelay gates re-processing of a retried entity until
	// stateTimestamp + ExponentialDelay(base, max, stateCount-1).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	StateName     func(state int) string
	CanTransition func(from, to int) bool
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.NewString()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.StateName == nil {
		c.StateName = strconv.Itoa
	}
	return c
}

// Result tallies one processing round.
type Result struct {
	Leased   int
	Advanced int
	Awaited  int
	Retried  int
	Failed   int
	Skipped  int
}

// Progressed reports whether any entity moved forward.
func (r Result) Progressed() bool {
	return r.Advanced > 0 || r.Awaited > 0
}

func (r *Result) add(k result) {
	switch k {
	case resultAdvanced:
		r.Advanced++
	case resultAwaited:
		r.Awaited++
	case resultRetried:
		r.Retried++
	case resultFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

type result int

const (
	resultSkipped result = iota
	resultAdvanced
	resultAwaited
	resultRetried
	resultFailed
)

type metrics struct {
	transitions metric.Int64Counter
	retries     metric.Int64Counter
	fatal       metric.Int64Counter
}

func newMetrics(meter metric.Meter) (metrics, error) {
	var m metrics
	var err error
	if m.transitions, err = meter.Int64Counter("statemachine.transitions",
		metric.WithDescription("Committed state transitions")); err != nil {
		return m, err
	}
	if m.retries, err = meter.Int64Counter("statemachine.retries",
		metric.WithDescription("Transient step failures re-entering their state")); err != nil {
		return m, err
	}
	if m.fatal, err = meter.Int64Counter("statemachine.fatal",
		metric.WithDescription("Entities moved to an error state")); err != nil {
		return m, err
	}
	return m, nil
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	clock func() time.Time
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *managerOptions) { o.clock = clock }
}

// Manager drives entities of one type through their protocol. Several managers
// with distinct worker ids may poll the same store.
type Manager[T process.Entity[T]] struct {
	cfg       Config
	store     process.Store[T]
	wait      WaitStrategy
	listeners *listener.Registry
	logger    zerolog.Logger
	tracer    trace.Tracer
	metrics   metrics
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[int]Handler[T]
	states   []int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager[T process.Entity[T]](
	cfg Config,
	store process.Store[T],
	wait WaitStrategy,
	listeners *listener.Registry,
	logger zerolog.Logger,
	opts ...Option,
) *Manager[T] {
	o := managerOptions{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	if wait == nil {
		wait = NewExponentialWaitStrategy(time.Second, 30*time.Second)
	}
	m := &Manager[T]{
		cfg:       cfg,
		store:     store,
		wait:      wait,
		listeners: listeners,
		logger: logger.With().
			Str("service", "statemachine").
			Str("entity_type", cfg.Name).
			Str("worker_id", cfg.WorkerID).
			Logger(),
		tracer:   otel.Tracer(instrumentation),
		now:      o.clock,
		handlers: make(map[int]Handler[T]),
	}
	mt, err := newMetrics(otel.Meter(instrumentation))
	if err != nil {
		m.logger.Warn().Err(err).Msg("metrics disabled")
		mt, _ = newMetrics(noop.NewMeterProvider().Meter(instrumentation))
	}
	m.metrics = mt
	return m
}

// Register installs the handler for state. Registering twice replaces the handler.
func (m *Manager[T]) Register(state int, h Handler[T]) *Manager[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[state]; !ok {
		m.states = append(m.states, state)
	}
	m.handlers[state] = h
	return m
}

// States lists the states with a handler, in registration order.
func (m *Manager[T]) States() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.states...)
}

// WorkerID is the lease holder identity of this manager.
func (m *Manager[T]) WorkerID() string {
	return m.cfg.WorkerID
}

func (m *Manager[T]) handler(state int) (Handler[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[state]
	return h, ok
}

// Start runs the processing loop in the background until Stop or ctx is done.
func (m *Manager[T]) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("state machine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		m.Run(runCtx)
	}()
	m.logger.Info().Int("states", len(m.States())).Msg("state machine started")
	return nil
}

// Stop cancels the loop and waits for the in-flight round to finish.
func (m *Manager[T]) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.logger.Info().Msg("state machine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run polls until ctx is cancelled.
func (m *Manager[T]) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := m.ProcessOnce(ctx)
		var delay time.Duration
		switch {
		case err != nil:
			m.logger.Error().Err(err).Msg("processing round failed")
			delay = time.Duration(m.wait.RetryInMillis()) * time.Millisecond
		case res.Leased == 0:
			delay = time.Duration(m.wait.WaitForMillis()) * time.Millisecond
		case res.Progressed():
			m.wait.Success()
		default:
			delay = time.Duration(m.wait.RetryInMillis()) * time.Millisecond
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessOnce leases and processes one batch per registered state.
func (m *Manager[T]) ProcessOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	for _, state := range m.States() {
		if ctx.Err() != nil {
			break
		}
		batch, err := m.store.NextForState(ctx, state, m.cfg.BatchSize, m.cfg.WorkerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("next for state %s: %w", m.cfg.StateName(state), err))
			continue
		}
		if len(batch) == 0 {
			continue
		}
		res.Leased += len(batch)

		steps := make([]step, len(batch))
		g := new(errgroup.Group)
		g.SetLimit(m.cfg.Parallelism)
		for i, entity := range batch {
			i, entity := i, entity
			g.Go(func() error {
				steps[i] = m.process(ctx, entity)
				return nil
			})
		}
		_ = g.Wait()
		// Listeners see the batch's transitions in lease order, one at a time.
		for _, s := range steps {
			res.add(s.res)
			if s.transition != nil {
				m.listeners.Notify(ctx, *s.transition)
			}
		}
	}
	return res, errors.Join(errs...)
}

// step is the result of processing one entity and the transition it committed, if any.
type step struct {
	res        result
	transition *event.Transition
}

func (m *Manager[T]) process(ctx context.Context, entity T) step {
	p := entity.Base()
	state := p.State
	log := m.logger.With().
		Str("process_id", p.ID).
		Str("state", m.cfg.StateName(state)).
		Int("state_count", p.StateCount).
		Logger()

	h, ok := m.handler(state)
	if !ok {
		m.release(ctx, p.ID, log)
		return step{res: resultSkipped}
	}
	if m.delayed(p) {
		m.release(ctx, p.ID, log)
		return step{res: resultSkipped}
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(p.TraceContext))
	ctx, span := m.tracer.Start(ctx, m.cfg.Name+"."+m.cfg.StateName(state),
		trace.WithAttributes(
			attribute.String("process.id", p.ID),
			attribute.String("process.type", m.cfg.Name),
			attribute.Int("process.state_count", p.StateCount),
		))
	defer span.End()

	out := m.invoke(ctx, h, entity)
	span.SetAttributes(attribute.String("process.outcome", out.Kind.String()))

	switch out.Kind {
	case KindAdvance:
		return m.advance(ctx, entity, out.State, out.Pending, out.Reason, span, log)

	case KindAwait:
		p.Pending = true
		p.NotifyPeer = false
		p.Touch(m.now())
		if !m.commit(ctx, entity, log) {
			return step{res: resultSkipped}
		}
		return step{res: resultAwaited}

	case KindRetry:
		if p.StateCount > m.maxRetries(state) {
			span.SetStatus(codes.Error, out.Reason)
			reason := fmt.Sprintf("retries exhausted in %s: %s", m.cfg.StateName(state), out.Reason)
			if out.exhausted != nil {
				log.Warn().Str("reason", out.Reason).Msg("retries exhausted, moving on")
				return m.advance(ctx, entity, *out.exhausted, false, reason, span, log)
			}
			return m.fail(ctx, entity, reason, log)
		}
		p.TransitionTo(state, m.now())
		p.SetError(out.Reason)
		if !m.commit(ctx, entity, log) {
			return step{res: resultSkipped}
		}
		m.metrics.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", m.cfg.Name)))
		log.Warn().Str("reason", out.Reason).Msg("step failed, will retry")
		return step{res: resultRetried}

	default:
		span.SetStatus(codes.Error, out.Reason)
		return m.fail(ctx, entity, out.Reason, log)
	}
}

func (m *Manager[T]) advance(ctx context.Context, entity T, to int, pending bool, reason string, span trace.Span, log zerolog.Logger) step {
	p := entity.Base()
	from := p.State
	if m.cfg.CanTransition != nil && !m.cfg.CanTransition(from, to) {
		invalid := fmt.Sprintf("invalid transition %s -> %s", m.cfg.StateName(from), m.cfg.StateName(to))
		span.SetStatus(codes.Error, invalid)
		return m.fail(ctx, entity, invalid, log)
	}
	p.TransitionTo(to, m.now())
	p.ClearError()
	if reason != "" {
		p.SetError(reason)
	}
	p.Pending = pending
	p.NotifyPeer = false
	if !m.commit(ctx, entity, log) {
		return step{res: resultSkipped}
	}
	m.metrics.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", m.cfg.Name)))
	log.Debug().Str("to", m.cfg.StateName(to)).Msg("advanced")
	return step{res: resultAdvanced, transition: m.transition(entity, from)}
}

func (m *Manager[T]) invoke(ctx context.Context, h Handler[T], entity T) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Fatal(fmt.Sprintf("handler panic: %v", rec))
		}
	}()
	return h(ctx, entity)
}

// fail moves entity to its error state. An entity already there, or one that
// may not leave its state, is parked in place instead.
func (m *Manager[T]) fail(ctx context.Context, entity T, reason string, log zerolog.Logger) step {
	p := entity.Base()
	from := p.State
	target := m.cfg.ErrorState
	if m.cfg.ErrorStateFor != nil {
		target = m.cfg.ErrorStateFor(from)
	}
	if m.cfg.CanTransition != nil && target != from && !m.cfg.CanTransition(from, target) {
		target = from
	}
	now := m.now()
	if target == from {
		p.Pending = true
		p.SetError(reason)
		p.Touch(now)
		if !m.commit(ctx, entity, log) {
			return step{res: resultSkipped}
		}
		log.Error().Str("reason", reason).Msg("step failed, parked in place")
		return step{res: resultFailed}
	}
	p.TransitionTo(target, now)
	p.SetError(reason)
	p.Pending = false
	p.NotifyPeer = true
	if !m.commit(ctx, entity, log) {
		return step{res: resultSkipped}
	}
	m.metrics.fatal.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", m.cfg.Name)))
	log.Error().Str("reason", reason).Str("to", m.cfg.StateName(target)).Msg("step failed permanently")
	return step{res: resultFailed, transition: m.transition(entity, from)}
}

// commit persists entity under this worker's lease and releases it.
func (m *Manager[T]) commit(ctx context.Context, entity T, log zerolog.Logger) bool {
	id := entity.Base().ID
	if err := m.store.Update(ctx, entity, m.cfg.WorkerID); err != nil {
		if errors.Is(err, process.ErrNotFound) || process.IsConflict(err) {
			log.Info().Err(err).Msg("entity changed concurrently, skipping")
			return false
		}
		log.Error().Err(err).Msg("failed to persist entity")
		m.release(ctx, id, log)
		return false
	}
	m.release(ctx, id, log)
	return true
}

func (m *Manager[T]) release(ctx context.Context, id string, log zerolog.Logger) {
	if err := m.store.ReleaseLease(ctx, id); err != nil {
		log.Warn().Err(err).Msg("failed to release lease")
	}
}

func (m *Manager[T]) transition(entity T, from int) *event.Transition {
	t := event.NewTransition(m.cfg.Name, entity.Base(), from, m.cfg.StateName)
	return &t
}

func (m *Manager[T]) maxRetries(state int) int {
	if n, ok := m.cfg.MaxRetries[state]; ok {
		return n
	}
	return m.cfg.DefaultMaxRetries
}

// delayed reports whether a retried entity is still inside its backoff window.
func (m *Manager[T]) delayed(p *process.Process) bool {
	if p.StateCount <= 1 || m.cfg.RetryBaseDelay <= 0 {
		return false
	}
	due := p.StateTimestamp.Add(ExponentialDelay(m.cfg.RetryBaseDelay, m.cfg.RetryMaxDelay, p.StateCount-1))
	return m.now().Before(due)
}
