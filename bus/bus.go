package bus

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chorusmesh/chorus/logging"
)

var (
	// ErrUnknownType is returned when publishing an event whose type was not
	// registered at construction.
	ErrUnknownType = errors.New("bus: unknown event type")
	// ErrGroupExists is returned on a second STARTED event for a group id.
	ErrGroupExists = errors.New("bus: group already started")
	// ErrGroupClosed is returned when publishing into a group that already
	// received its terminal event.
	ErrGroupClosed = errors.New("bus: group closed")
	// ErrNoGroup is returned when publishing an interior or terminal event
	// for a group that was never started, or subscribing to an unknown group.
	ErrNoGroup = errors.New("bus: group not found")
	// ErrShutdown is returned once the bus has been shut down.
	ErrShutdown = errors.New("bus: shut down")
	// ErrBackpressure is returned when a group's intake buffer is full.
	ErrBackpressure = errors.New("bus: group buffer full")
)

// Handler consumes one event. Handlers for ungrouped events race each other;
// handlers observing a group are invoked sequentially in publication order.
type Handler func(Event)

// Option configures a Bus.
type Option func(*Bus)

// WithIdleWindow overrides the idle reclamation window (default 10s). A
// group receiving no event for this long is force-finalized as STOPPED.
func WithIdleWindow(d time.Duration) Option {
	return func(b *Bus) { b.idleWindow = d }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithTypes registers additional valid event types beyond the built-in set.
func WithTypes(types ...Type) Option {
	return func(b *Bus) {
		for _, t := range types {
			b.known[t] = struct{}{}
		}
	}
}

// WithReplayCapacity bounds the completed-group replay cache (default 256
// groups, least recently finished evicted first).
func WithReplayCapacity(n int) Option {
	return func(b *Bus) { b.replayCap = n }
}

const (
	defaultIdleWindow = 10 * time.Second
	defaultReplayCap  = 256
	groupBuffer       = 256
	globalBuffer      = 512
)

// Bus routes events to registered handlers. All state is owned by the
// instance; no process-wide registries.
type Bus struct {
	logger     logging.Logger
	idleWindow time.Duration
	replayCap  int

	mu       sync.RWMutex
	known    map[Type]struct{}
	handlers map[Type][]Handler
	groups   map[string]*groupActor
	closed   bool

	// completed retains the ordered event list of finished groups so a
	// handler registered after completion still observes the full stream.
	completed *lru.Cache[string, []Event]

	global chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Bus and starts its dispatch worker and idle sweeper.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:     logging.NoOpLogger{},
		idleWindow: defaultIdleWindow,
		replayCap:  defaultReplayCap,
		known: map[Type]struct{}{
			TypeMessage: {}, TypeTask: {}, TypeAgent: {}, TypeTool: {},
			TypePlan: {}, TypeConfirm: {}, TypeSystem: {},
		},
		handlers: make(map[Type][]Handler),
		groups:   make(map[string]*groupActor),
		global:   make(chan Event, globalBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.completed, _ = lru.New[string, []Event](b.replayCap)

	b.wg.Add(2)
	go b.dispatchLoop()
	go b.sweepLoop()
	return b
}

// Subscribe registers a handler for all events of the given type. Handlers
// registered for a type also observe grouped events of that type, in group
// order.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeGroup registers an ordered observer for one group. If the group
// is live, all buffered events are replayed before new ones are delivered.
// If the group already completed, the retained ordered event list is
// replayed immediately. Either way the observer never silently misses data.
func (b *Bus) SubscribeGroup(groupID string, h Handler) error {
	b.mu.RLock()
	actor := b.groups[groupID]
	b.mu.RUnlock()

	if actor != nil {
		actor.attach(h)
		return nil
	}
	if events, ok := b.completed.Get(groupID); ok {
		for _, ev := range events {
			h(ev)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNoGroup, groupID)
}

// Publish routes an event. Ungrouped events enter the global FIFO; grouped
// events are delivered to the group's actor in publication order. The
// returned id is the event's id (assigned when empty).
func (b *Bus) Publish(ev Event) (string, error) {
	if _, ok := b.known[ev.Type]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Created.IsZero() {
		ev.Created = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrShutdown
	}
	if ev.Group == nil {
		b.mu.Unlock()
		select {
		case b.global <- ev:
			return ev.ID, nil
		case <-b.done:
			return "", ErrShutdown
		}
	}

	actor := b.groups[ev.Group.ID]
	switch ev.Group.Status {
	case GroupStarted:
		if actor != nil {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrGroupExists, ev.Group.ID)
		}
		if _, ok := b.completed.Get(ev.Group.ID); ok {
			b.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrGroupClosed, ev.Group.ID)
		}
		actor = newGroupActor(ev.Group.ID, b)
		b.groups[ev.Group.ID] = actor
		b.wg.Add(1)
		go actor.run()
	default:
		if actor == nil {
			b.mu.Unlock()
			if _, ok := b.completed.Get(ev.Group.ID); ok {
				return "", fmt.Errorf("%w: %s", ErrGroupClosed, ev.Group.ID)
			}
			return "", fmt.Errorf("%w: %s", ErrNoGroup, ev.Group.ID)
		}
	}
	b.mu.Unlock()

	if err := actor.enqueue(ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Shutdown stops dispatch, finalizes every live group as STOPPED and waits
// for in-flight deliveries to drain. Idempotent.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	actors := make([]*groupActor, 0, len(b.groups))
	for _, a := range b.groups {
		actors = append(actors, a)
	}
	b.mu.Unlock()

	for _, a := range actors {
		a.stop(SubTypeTimeout)
	}
	close(b.done)
	b.wg.Wait()
}

// dispatchLoop is the single consumer of the global FIFO. Each event fans
// out to all matching handlers concurrently; handlers for the same event
// race each other and no cross-handler ordering is guaranteed.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.global:
			b.fanOut(ev)
		case <-b.done:
			// Drain what was accepted before shutdown.
			for {
				select {
				case ev := <-b.global:
					b.fanOut(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) fanOut(ev Event) {
	if ev.Silent {
		return
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()
	for _, h := range hs {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer b.recoverHandler(ev)
			h(ev)
		}()
	}
}

// recoverHandler keeps a panicking handler from taking down the bus.
func (b *Bus) recoverHandler(ev Event) {
	if r := recover(); r != nil {
		b.logger.Error("handler panic", "event_id", ev.ID, "type", string(ev.Type),
			"recover", r, "stack", string(debug.Stack()))
	}
}

// sweepLoop periodically force-finalizes idle groups. A producer that
// crashes mid-stream without a terminal event would otherwise leak its
// actor forever.
func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	interval := b.idleWindow / 2
	if interval < time.Second {
		interval = b.idleWindow
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.RLock()
			actors := make([]*groupActor, 0, len(b.groups))
			for _, a := range b.groups {
				actors = append(actors, a)
			}
			b.mu.RUnlock()
			for _, a := range actors {
				if a.idleFor() > b.idleWindow {
					b.logger.Warn("reclaiming idle group", "group_id", a.id)
					a.stop(SubTypeTimeout)
				}
			}
		case <-b.done:
			return
		}
	}
}

// finalizeGroup moves a finished group's buffer into the replay cache and
// removes the actor. Called exactly once, from the actor goroutine. The
// cache entry lands before the actor is removed, so SubscribeGroup always
// finds one of the two: a subscriber that still reaches the actor replays
// from its buffer, which already holds the terminal event.
func (b *Bus) finalizeGroup(id string, events []Event) {
	b.completed.Add(id, events)
	b.mu.Lock()
	delete(b.groups, id)
	b.mu.Unlock()
}

// groupActor owns the ordered delivery for one group. Events enter through
// a buffered channel from publishers and are processed sequentially by run.
type groupActor struct {
	id  string
	bus *Bus
	ch  chan Event

	mu        sync.Mutex
	buffer    []Event
	observers []Handler
	lastSeen  time.Time
	closing   bool
}

func newGroupActor(id string, b *Bus) *groupActor {
	return &groupActor{
		id:       id,
		bus:      b,
		ch:       make(chan Event, groupBuffer),
		lastSeen: time.Now(),
	}
}

// enqueue hands an event to the actor. Returns ErrGroupClosed after a
// terminal event was accepted, ErrBackpressure when the buffer is full. A
// terminal event rejected by backpressure leaves the group open so the
// publisher (or the idle sweeper) can terminate it once the buffer drains.
func (a *groupActor) enqueue(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return fmt.Errorf("%w: %s", ErrGroupClosed, a.id)
	}
	select {
	case a.ch <- ev:
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, a.id)
	}
	if ev.Group != nil && ev.Group.Status.Terminal() {
		a.closing = true
	}
	a.lastSeen = time.Now()
	return nil
}

// stop injects an implicit STOPPED outcome, used by the idle sweeper and
// shutdown. A no-op when the group already saw its terminal event.
func (a *groupActor) stop(subType string) {
	ev := NewGrouped(TypeSystem, subType, a.id, GroupStopped)
	_ = a.enqueue(ev)
}

// attach registers an observer, replaying everything buffered so far before
// it can see new deliveries. Replay and registration are atomic with respect
// to the actor's delivery loop.
func (a *groupActor) attach(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.buffer {
		h(ev)
	}
	a.observers = append(a.observers, h)
}

// run is the actor's delivery loop: strictly sequential, in publication
// order. Exits after processing the terminal event.
func (a *groupActor) run() {
	defer a.bus.wg.Done()
	for ev := range a.ch {
		a.deliver(ev)
		if ev.Group != nil && ev.Group.Status.Terminal() {
			a.mu.Lock()
			events := a.buffer
			a.mu.Unlock()
			a.bus.finalizeGroup(a.id, events)
			return
		}
	}
}

func (a *groupActor) deliver(ev Event) {
	a.mu.Lock()
	a.buffer = append(a.buffer, ev)
	a.lastSeen = time.Now()
	observers := append([]Handler(nil), a.observers...)
	a.mu.Unlock()

	defer a.bus.recoverHandler(ev)
	for _, h := range observers {
		h(ev)
	}
	if ev.Silent {
		return
	}
	a.bus.mu.RLock()
	typed := append([]Handler(nil), a.bus.handlers[ev.Type]...)
	a.bus.mu.RUnlock()
	for _, h := range typed {
		h(ev)
	}
}

func (a *groupActor) idleFor() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastSeen)
}
