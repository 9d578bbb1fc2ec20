package events

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/types"
)

// Options configures a Store.
type Options struct {
	Dir                string
	SegmentMaxBytes    int64
	RetentionMaxEvents int
	RetentionMaxBytes  int64
	SubscriberBuffer   int
}

// DefaultOptions returns the store defaults for the given directory.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		SegmentMaxBytes:    4 << 20,
		RetentionMaxEvents: 10000,
		RetentionMaxBytes:  64 << 20,
		SubscriberBuffer:   64,
	}
}

func (o *Options) normalize() {
	if o.SegmentMaxBytes <= 0 {
		o.SegmentMaxBytes = 4 << 20
	}
	if o.RetentionMaxEvents <= 0 {
		o.RetentionMaxEvents = 10000
	}
	if o.RetentionMaxBytes <= 0 {
		o.RetentionMaxBytes = 64 << 20
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
}

// Filter selects events for Stream and WatchEvents. Zero fields match
// everything. Service filters are tenant-scoped when Tenant is set; with an
// empty Tenant they match the service name under any tenant.
type Filter struct {
	Tenant  string            `json:"tenant,omitempty"`
	Service string            `json:"service,omitempty"`
	SinceID uint64            `json:"since_id,omitempty"`
	Types   []types.EventType `json:"types,omitempty"`
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *types.Event) bool {
	if e.ID <= f.SinceID {
		return false
	}
	if f.Tenant != "" && e.TenantID != f.Tenant {
		return false
	}
	if f.Service != "" {
		if f.Tenant != "" {
			if e.Subject != types.ServiceSubject(f.Tenant, f.Service) {
				return false
			}
		} else if !strings.HasSuffix(e.Subject, "/"+f.Service) {
			return false
		}
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscriber receives every event emitted after its registration. The
// channel is closed when the subscriber unsubscribes, falls behind and is
// dropped, or the store shuts down.
type Subscriber struct {
	id    string
	ch    chan *types.Event
	store *Store
	once  sync.Once
}

// ID returns the subscriber's identifier, used in drop diagnostics.
func (sub *Subscriber) ID() string { return sub.id }

// Events returns the delivery channel.
func (sub *Subscriber) Events() <-chan *types.Event { return sub.ch }

// Close unsubscribes. Safe to call more than once and after the store
// already dropped or closed the subscriber.
func (sub *Subscriber) Close() {
	sub.once.Do(func() { sub.store.enqueueUnsub(sub) })
}

type flushRequest struct {
	done chan error
}

// command is the tagged union consumed by the store's single run loop.
// Exactly one field is set.
type command struct {
	event *types.Event
	flush *flushRequest
	sub   *Subscriber
	unsub *Subscriber
}

// Store is the append-only, totally-ordered event log. Emission is
// linearizable with respect to LastID; persistence and fan-out happen on a
// single consumer loop fed by an ordered command channel, so every
// subscriber observes events in id order.
type Store struct {
	opts   Options
	logger zerolog.Logger
	born   time.Time

	mu     sync.Mutex
	lastID uint64
	ring   []*types.Event
	head   int
	count  int
	closed bool

	cmdCh    chan command
	subs     map[*Subscriber]struct{}
	wal      *segmentLog
	degraded atomic.Bool
	wg       sync.WaitGroup
}

// Open opens (or creates) the store at opts.Dir, recovering last_id and the
// retained window from the on-disk segments.
func Open(opts Options) (*Store, error) {
	opts.normalize()

	wal, recovered, err := openSegmentLog(opts.Dir, opts.SegmentMaxBytes)
	if err != nil {
		return nil, err
	}

	s := &Store{
		opts:   opts,
		logger: log.WithComponent("events"),
		born:   time.Now(),
		ring:   make([]*types.Event, opts.RetentionMaxEvents),
		cmdCh:  make(chan command, 1024),
		subs:   make(map[*Subscriber]struct{}),
		wal:    wal,
	}

	if n := len(recovered); n > 0 {
		s.lastID = recovered[n-1].ID
		start := 0
		if n > opts.RetentionMaxEvents {
			start = n - opts.RetentionMaxEvents
		}
		for _, e := range recovered[start:] {
			s.ring[s.count] = e
			s.count++
		}
		metrics.EventLastID.Set(float64(s.lastID))
	}

	if _, err := wal.trim(opts.RetentionMaxEvents, opts.RetentionMaxBytes); err != nil {
		s.logger.Warn().Err(err).Msg("segment trim at open failed")
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Info().
		Uint64("last_id", s.lastID).
		Int("recovered", len(recovered)).
		Str("dir", opts.Dir).
		Msg("event store open")
	return s, nil
}

// Emitter is the narrow slice of the store that subsystems use to record
// events. *Store satisfies it; tests substitute fakes.
type Emitter interface {
	Emit(et types.EventType, tenant, subject string, payload map[string]any) uint64
	EmitCaused(et types.EventType, tenant, subject string, payload map[string]any, causation uint64) uint64
}

// Emit appends a new event and returns its id. Tenant may be empty for
// system events. Emit never fails from the caller's perspective: after
// shutdown it is a no-op returning 0, and persistence problems surface
// through the log and a resource_violation event, never through Emit.
// The payload map passes to the store and must not be mutated afterwards.
func (s *Store) Emit(et types.EventType, tenant, subject string, payload map[string]any) uint64 {
	return s.emit(et, tenant, subject, payload, nil)
}

// EmitCaused is Emit with a causation id linking this event to the one that
// triggered it.
func (s *Store) EmitCaused(et types.EventType, tenant, subject string, payload map[string]any, causation uint64) uint64 {
	return s.emit(et, tenant, subject, payload, &causation)
}

func (s *Store) emit(et types.EventType, tenant, subject string, payload map[string]any, causation *uint64) uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.lastID++
	e := &types.Event{
		ID:          s.lastID,
		Timestamp:   time.Since(s.born).Nanoseconds(),
		WallClock:   time.Now().UTC(),
		TenantID:    tenant,
		Type:        et,
		Subject:     subject,
		Payload:     payload,
		CausationID: causation,
	}
	s.ringAppend(e)
	// The send stays under the lock: command order equals id order, and a
	// full buffer blocks the writer until the loop drains.
	s.cmdCh <- command{event: e}
	s.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(string(et)).Inc()
	metrics.EventLastID.Set(float64(e.ID))
	return e.ID
}

func (s *Store) ringAppend(e *types.Event) {
	capacity := len(s.ring)
	if s.count < capacity {
		s.ring[(s.head+s.count)%capacity] = e
		s.count++
		return
	}
	s.ring[s.head] = e
	s.head = (s.head + 1) % capacity
}

// LastID returns the highest assigned event id.
func (s *Store) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Retained returns how many events the in-memory window currently holds.
func (s *Store) Retained() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Degraded reports whether a persistence error has been observed.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Stream returns a snapshot of retained events matching f, ascending by id.
// The result is finite and restartable: callers resume with SinceID set to
// the last id they saw.
func (s *Store) Stream(f Filter) []*types.Event {
	return s.snapshot(f.Match)
}

// FilterFn is Stream with an arbitrary predicate.
func (s *Store) FilterFn(pred func(*types.Event) bool) []*types.Event {
	return s.snapshot(pred)
}

func (s *Store) snapshot(pred func(*types.Event) bool) []*types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Event
	capacity := len(s.ring)
	for i := 0; i < s.count; i++ {
		e := s.ring[(s.head+i)%capacity]
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a new subscriber. Registration is ordered with respect
// to emission: the subscriber receives exactly the events emitted after this
// call returns its place in the command stream.
func (s *Store) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:    uuid.NewString(),
		ch:    make(chan *types.Event, s.opts.SubscriberBuffer),
		store: s,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub
	}
	s.cmdCh <- command{sub: sub}
	s.mu.Unlock()
	return sub
}

func (s *Store) enqueueUnsub(sub *Subscriber) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cmdCh <- command{unsub: sub}
	s.mu.Unlock()
}

// Flush forces pending events to durable storage, returning once everything
// up to LastID at call time is stable on disk.
func (s *Store) Flush() error {
	req := &flushRequest{done: make(chan error, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("event store closed: %w", errdefs.ErrTransient)
	}
	s.cmdCh <- command{flush: req}
	s.mu.Unlock()
	return <-req.done
}

// Close stops the store: no further emissions are accepted, pending commands
// drain, subscriber channels close, and the active segment is synced.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.cmdCh)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// run is the store's single consumer loop. It owns the subscriber table and
// the segment log; nothing else touches either.
func (s *Store) run() {
	defer s.wg.Done()

	for cmd := range s.cmdCh {
		switch {
		case cmd.event != nil:
			s.persist(cmd.event)
			s.dispatch(cmd.event)
		case cmd.flush != nil:
			cmd.flush.done <- s.doFlush()
		case cmd.sub != nil:
			s.subs[cmd.sub] = struct{}{}
			metrics.EventSubscribers.Inc()
		case cmd.unsub != nil:
			if _, ok := s.subs[cmd.unsub]; ok {
				delete(s.subs, cmd.unsub)
				close(cmd.unsub.ch)
				metrics.EventSubscribers.Dec()
			}
		}
	}

	for sub := range s.subs {
		close(sub.ch)
		metrics.EventSubscribers.Dec()
	}
	s.subs = nil

	if err := s.wal.close(); err != nil {
		s.logger.Error().Err(err).Msg("closing segment log")
	}
}

func (s *Store) persist(e *types.Event) {
	if err := s.wal.append(e); err != nil {
		s.logger.Error().Err(err).Uint64("event_id", e.ID).Msg("segment append failed")
		s.noteDegraded(err)
		return
	}
	if _, err := s.wal.trim(s.opts.RetentionMaxEvents, s.opts.RetentionMaxBytes); err != nil {
		s.logger.Warn().Err(err).Msg("segment trim failed")
	}
}

func (s *Store) doFlush() error {
	if err := s.wal.sync(); err != nil {
		s.noteDegraded(err)
		return fmt.Errorf("flush: %v: %w", err, errdefs.ErrTransient)
	}
	return nil
}

// noteDegraded records the first persistence failure and surfaces it as a
// resource_violation event. The emit runs on its own goroutine: the run loop
// must never send to the channel it consumes.
func (s *Store) noteDegraded(err error) {
	if !s.degraded.CompareAndSwap(false, true) {
		return
	}
	msg := err.Error()
	go s.Emit(types.EventResourceViolation, "", types.SubjectSystem, map[string]any{
		"reason": "storage_degraded",
		"error":  msg,
	})
}

func (s *Store) dispatch(e *types.Event) {
	for sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			// Slow subscribers are dropped, never allowed to stall the log.
			delete(s.subs, sub)
			close(sub.ch)
			metrics.EventSubscribers.Dec()
			metrics.SubscribersDropped.Inc()
			s.logger.Warn().Str("subscriber", sub.id).Msg("subscriber dropped: buffer full")
			id := sub.id
			go s.Emit(types.EventResourceViolation, "", types.SubjectSystem, map[string]any{
				"reason":     "slow_subscriber",
				"subscriber": id,
			})
		}
	}
}
