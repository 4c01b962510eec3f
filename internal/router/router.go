// Package router implements the AgentOven session router.
//
// The router is the only component that drives the session store and the
// agent dispatcher together. Every inbound event becomes one unit of work
// (load → append → dispatch → append → persist) queued on a lane keyed by
// its session key. A lane runs its units strictly one at a time in FIFO
// order; different lanes run concurrently with no ordering between them.
//
// Enqueueing never blocks. A unit that fails or panics resolves to "no
// reply" and the lane moves on, so one bad message never stalls the
// conversation behind it.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentoven/agentoven/relay/internal/metrics"
	"github.com/agentoven/agentoven/relay/internal/sessions"
	"github.com/agentoven/agentoven/relay/internal/telemetry"
	"github.com/agentoven/agentoven/relay/pkg/contracts"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoEndpoint means neither a channel override nor a default agent
	// endpoint is configured.
	ErrNoEndpoint = errors.New("no agent endpoint configured")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("router closed")
)

// EndpointResolver maps a channel to its agent endpoint ("" if none).
type EndpointResolver interface {
	EndpointFor(channelKey string) string
}

// Options configures a Router.
type Options struct {
	Store      *sessions.Store
	Dispatcher contracts.AgentDispatcher
	Endpoints  EndpointResolver

	// MaxHistory bounds retained turns per session. Non-positive means unbounded.
	MaxHistory int

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type task struct {
	ctx   context.Context
	event models.Event
	done  chan models.Reply
	then  func(models.Reply)
}

// lane is the FIFO of units for one session key. A lane exists in the
// router's map exactly while its worker goroutine is running.
type lane struct {
	queue []*task
}

// Router serializes units of work per session key.
type Router struct {
	store      *sessions.Store
	dispatcher contracts.AgentDispatcher
	endpoints  EndpointResolver
	maxHistory int
	now        func() time.Time
	tracer     trace.Tracer

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates a router.
func New(opts Options) *Router {
	r := &Router{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		endpoints:  opts.Endpoints,
		maxHistory: opts.MaxHistory,
		now:        opts.Now,
		tracer:     otel.Tracer(telemetry.TracerName),
		lanes:      make(map[string]*lane),
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Submit enqueues the event on its session lane and returns immediately.
// The returned channel receives exactly one Reply once the unit of work
// has finished. Only invalid events and a closed router are rejected.
//
// The unit of work is detached from ctx cancellation: once accepted it
// always runs to completion. Values (trace context) are kept.
func (r *Router) Submit(ctx context.Context, ev models.Event) (<-chan models.Reply, error) {
	t, err := r.enqueue(ctx, ev, nil)
	if err != nil {
		return nil, err
	}
	return t.done, nil
}

// Enqueue is Submit with a completion callback. then runs on the event's
// lane after the unit of work, so callbacks for one session key run in
// submission order and never overlap. A panicking callback is logged.
func (r *Router) Enqueue(ctx context.Context, ev models.Event, then func(models.Reply)) error {
	_, err := r.enqueue(ctx, ev, then)
	return err
}

func (r *Router) enqueue(ctx context.Context, ev models.Event, then func(models.Reply)) (*task, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = r.now().UnixMilli()
	}

	t := &task{
		ctx:   context.WithoutCancel(ctx),
		event: ev,
		done:  make(chan models.Reply, 1),
		then:  then,
	}
	key := ev.SessionKey()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}

	l, running := r.lanes[key]
	if !running {
		l = &lane{}
		r.lanes[key] = l
		metrics.ActiveLanes.Set(float64(len(r.lanes)))
	}
	l.queue = append(l.queue, t)
	if !running {
		r.wg.Add(1)
		go r.drain(key, l)
	}

	log.Debug().
		Str("event", ev.ID).
		Str("session", key).
		Int("queued", len(l.queue)).
		Msg("Event queued")
	return t, nil
}

// Handle submits the event and waits for its reply. If ctx ends first the
// caller stops waiting but the unit of work still runs.
func (r *Router) Handle(ctx context.Context, ev models.Event) (models.Reply, error) {
	done, err := r.Submit(ctx, ev)
	if err != nil {
		return models.Reply{}, err
	}
	select {
	case reply := <-done:
		return reply, nil
	case <-ctx.Done():
		return models.Reply{}, ctx.Err()
	}
}

// drain runs queued units for key until the lane is empty, then retires it.
func (r *Router) drain(key string, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.queue) == 0 {
			delete(r.lanes, key)
			metrics.ActiveLanes.Set(float64(len(r.lanes)))
			r.mu.Unlock()
			return
		}
		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		r.mu.Unlock()

		reply := r.run(t)
		t.done <- reply
		if t.then != nil {
			r.complete(t, reply)
		}
	}
}

func (r *Router) complete(t *task, reply models.Reply) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("event", t.event.ID).Msg("Reply callback panicked")
		}
	}()
	t.then(reply)
}

// run executes one unit, converting a panic into "no reply". A session
// the unit had already loaded is persisted as it stood at the panic.
func (r *Router) run(t *task) (reply models.Reply) {
	key := t.event.SessionKey()
	var sess *models.Session
	defer func() {
		if p := recover(); p != nil {
			metrics.EventsTotal.WithLabelValues(t.event.ChannelKey, "failed").Inc()
			log.Error().
				Interface("panic", p).
				Str("event", t.event.ID).
				Str("session", key).
				Msg("Unit of work panicked")
			if sess != nil {
				r.salvage(t.ctx, sess)
			}
			reply = models.Reply{SessionKey: &key}
		}
	}()
	return r.process(t.ctx, &t.event, func(s *models.Session) { sess = s })
}

// salvage persists a session after a panic. A second panic is logged and
// swallowed so the lane keeps draining.
func (r *Router) salvage(ctx context.Context, sess *models.Session) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("session", sess.Key).Msg("Failed to persist session after panic")
		}
	}()
	r.persist(ctx, sess)
}

// process is the unit of work for one event. It is only ever called from
// the event's lane and works on a private copy of the session, which is
// published by persist. loaded receives that copy as soon as it exists.
func (r *Router) process(ctx context.Context, ev *models.Event, loaded func(*models.Session)) models.Reply {
	key := ev.SessionKey()
	ctx, span := r.tracer.Start(ctx, "router.unit",
		trace.WithAttributes(
			attribute.String("relay.session", key),
			attribute.String("relay.channel", ev.ChannelKey),
			attribute.String("relay.event", ev.ID),
		),
	)
	defer span.End()

	out := models.Reply{SessionKey: &key}
	logger := log.With().Str("event", ev.ID).Str("session", key).Logger()

	sess := r.store.Load(ctx, key)
	loaded(sess)
	sess.Append(models.Turn{
		Role:       models.RoleUser,
		Content:    ev.Text,
		Sender:     ev.Sender,
		ChannelKey: ev.ChannelKey,
		Timestamp:  ev.Timestamp,
	}, r.maxHistory)

	endpoint := ""
	if r.endpoints != nil {
		endpoint = r.endpoints.EndpointFor(ev.ChannelKey)
	}
	if endpoint == "" {
		logger.Error().Err(ErrNoEndpoint).Str("channel", ev.ChannelKey).
			Msg("Cannot dispatch: set RELAY_AGENT_ENDPOINT or a RELAY_CHANNEL_ENDPOINTS override")
		span.SetStatus(codes.Error, ErrNoEndpoint.Error())
		r.persist(ctx, sess)
		metrics.EventsTotal.WithLabelValues(ev.ChannelKey, "no_endpoint").Inc()
		return out
	}

	result := r.dispatcher.Dispatch(ctx, endpoint, ev, sess)
	if result == nil {
		r.persist(ctx, sess)
		metrics.EventsTotal.WithLabelValues(ev.ChannelKey, "no_reply").Inc()
		return out
	}

	now := r.now()
	sess.Append(models.Turn{
		Role:              models.RoleAssistant,
		Content:           result.Reply,
		Timestamp:         now.UnixMilli(),
		ContinuationToken: result.ContinuationToken,
	}, r.maxHistory)
	if result.ContinuationToken != "" {
		sess.ContinuationToken = result.ContinuationToken
	}
	sess.LastActivityAt = now
	r.persist(ctx, sess)

	metrics.EventsTotal.WithLabelValues(ev.ChannelKey, "replied").Inc()
	logger.Info().Int("turns", len(sess.History)).Msg("Event processed")

	reply := result.Reply
	out.Reply = &reply
	return out
}

// persist saves the session. A failed save is logged loudly; the reply
// already produced is still delivered.
func (r *Router) persist(ctx context.Context, sess *models.Session) {
	if err := r.store.Save(ctx, sess); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		log.Error().Err(err).Str("session", sess.Key).Msg("Failed to persist session")
	}
}

// Sweep evicts cached sessions idle for longer than maxIdle. Keys with
// queued or running work are never evicted. Durable copies are untouched.
func (r *Router) Sweep(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	n := r.store.EvictIdle(cutoff, func(key string) bool {
		_, busy := r.lanes[key]
		return busy
	})
	if n > 0 {
		metrics.SessionsEvicted.Add(float64(n))
		log.Info().Int("evicted", n).Dur("max_idle", maxIdle).Msg("Evicted idle sessions")
	}
	return n
}

// ActiveLanes returns the number of session keys with queued or running work.
func (r *Router) ActiveLanes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// Close stops accepting events and waits for queued units to finish or
// ctx to end, whichever comes first.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Router drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
