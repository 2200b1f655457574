package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ersinkoc/gamificationkit/gkerrors"
	"github.com/ersinkoc/gamificationkit/logging"
)

// Handler receives the full Event record for a single dispatch (core spec
// §4.1: "Handlers receive the full Event record, not just data").
type Handler func(ctx context.Context, event Event) error

// CancelFunc removes exactly one registration. Calling it more than once is
// a no-op (core spec §8 round-trip law: "Subscribe -> cancel -> cancel").
type CancelFunc func()

// HandlerError pairs a failed handler's subscription id with its error, so
// a caller can tell which listener failed without the emitter aborting
// dispatch to its peers.
type HandlerError struct {
	SubscriptionID string
	Err            error
}

// EmitResult is returned from Emit once every matched handler has resolved.
type EmitResult struct {
	ID            string
	ListenerCount int
	Errors        []HandlerError
}

// NameStats is the per-event-name counter exposed by Stats().
type NameStats struct {
	Count          int64
	LastEmitMillis int64
	ListenerCount  int
}

// EventBus is the core spec §4.1 contract.
type EventBus interface {
	Subscribe(name string, handler Handler) (CancelFunc, error)
	SubscribeWildcard(pattern string, handler Handler) (CancelFunc, error)
	Emit(ctx context.Context, name string, data map[string]interface{}) (EmitResult, error)
	History(name string, limit int) []Event
	HistoryAll(limit int) []Event
	Stats() map[string]NameStats
}

type subscription struct {
	id        string
	name      string // empty for wildcard subscriptions
	pattern   *Pattern
	handler   Handler
	cancelled int32
}

// MemoryBus is the in-process EventBus implementation. Listener tables are
// protected by a single RWMutex rather than copy-on-write: subscribe/
// unsubscribe are comparatively rare next to emit, and the per-handler
// dispatch itself runs outside the lock so a slow handler never blocks
// registration or other handlers (core spec §5 "no operation holds a lock
// across a suspension point").
type MemoryBus struct {
	mu       sync.RWMutex
	named    map[string]map[string]*subscription
	wild     map[string]*subscription
	history  map[string][]Event
	histOrd  []string // eventName insertion order, for maxEventTypes LRU eviction
	stats    map[string]*NameStats

	historyLimit  int
	maxEventTypes int

	logger logging.Logger
}

// Option configures a MemoryBus.
type Option func(*MemoryBus)

// WithHistoryLimit bounds retained events per name (default 100).
func WithHistoryLimit(n int) Option { return func(b *MemoryBus) { b.historyLimit = n } }

// WithMaxEventTypes bounds the number of distinct event names with
// retained history, evicting the oldest by insertion order (default 500).
func WithMaxEventTypes(n int) Option { return func(b *MemoryBus) { b.maxEventTypes = n } }

// WithLogger attaches a logger for handler failures.
func WithLogger(l logging.Logger) Option { return func(b *MemoryBus) { b.logger = l } }

// NewMemoryBus constructs a ready-to-use MemoryBus.
func NewMemoryBus(opts ...Option) *MemoryBus {
	b := &MemoryBus{
		named:         make(map[string]map[string]*subscription),
		wild:          make(map[string]*subscription),
		history:       make(map[string][]Event),
		stats:         make(map[string]*NameStats),
		historyLimit:  100,
		maxEventTypes: 500,
		logger:        logging.Noop{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *MemoryBus) Subscribe(name string, handler Handler) (CancelFunc, error) {
	if !ValidEventName(name) {
		return nil, gkerrors.ErrInvalidEventName
	}
	sub := &subscription{id: uuid.NewString(), name: name, handler: handler}

	b.mu.Lock()
	if b.named[name] == nil {
		b.named[name] = make(map[string]*subscription)
	}
	b.named[name][sub.id] = sub
	b.mu.Unlock()

	return b.cancelFor(sub, func() {
		b.mu.Lock()
		delete(b.named[name], sub.id)
		b.mu.Unlock()
	}), nil
}

func (b *MemoryBus) SubscribeWildcard(pattern string, handler Handler) (CancelFunc, error) {
	compiled, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	sub := &subscription{id: uuid.NewString(), pattern: compiled, handler: handler}

	b.mu.Lock()
	b.wild[sub.id] = sub
	b.mu.Unlock()

	return b.cancelFor(sub, func() {
		b.mu.Lock()
		delete(b.wild, sub.id)
		b.mu.Unlock()
	}), nil
}

func (b *MemoryBus) cancelFor(sub *subscription, remove func()) CancelFunc {
	return func() {
		if !atomic.CompareAndSwapInt32(&sub.cancelled, 0, 1) {
			return
		}
		remove()
	}
}

func (b *MemoryBus) Emit(ctx context.Context, name string, data map[string]interface{}) (EmitResult, error) {
	if !ValidEventName(name) {
		return EmitResult{}, gkerrors.ErrInvalidEventName
	}
	event := NewEvent(name, data)

	b.recordHistory(event)
	handlers := b.matchingHandlers(name)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		errs   []HandlerError
	)
	for _, sub := range handlers {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			if err := b.invoke(ctx, s, event); err != nil {
				mu.Lock()
				errs = append(errs, HandlerError{SubscriptionID: s.id, Err: err})
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	return EmitResult{ID: event.ID, ListenerCount: len(handlers), Errors: errs}, nil
}

func (b *MemoryBus) invoke(ctx context.Context, s *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panicked: %v", gkerrors.ErrHandler, r)
			b.logger.Error("event handler panicked", "subscription", s.id, "event", event.Name, "panic", r)
		}
	}()
	if e := s.handler(ctx, event); e != nil {
		b.logger.Warn("event handler failed", "subscription", s.id, "event", event.Name, "error", e)
		return fmt.Errorf("%w: %v", gkerrors.ErrHandler, e)
	}
	return nil
}

func (b *MemoryBus) matchingHandlers(name string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscription
	for _, s := range b.named[name] {
		out = append(out, s)
	}
	for _, s := range b.wild {
		if s.pattern.Match(name) {
			out = append(out, s)
		}
	}
	return out
}

func (b *MemoryBus) recordHistory(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, seen := b.history[event.Name]; !seen {
		b.histOrd = append(b.histOrd, event.Name)
		if len(b.histOrd) > b.maxEventTypes {
			oldest := b.histOrd[0]
			b.histOrd = b.histOrd[1:]
			delete(b.history, oldest)
			delete(b.stats, oldest)
		}
	}

	entries := append(b.history[event.Name], event)
	if len(entries) > b.historyLimit {
		entries = entries[len(entries)-b.historyLimit:]
	}
	b.history[event.Name] = entries

	st, ok := b.stats[event.Name]
	if !ok {
		st = &NameStats{}
		b.stats[event.Name] = st
	}
	st.Count++
	st.LastEmitMillis = event.Timestamp
}

func (b *MemoryBus) History(name string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return truncateNewestLast(b.history[name], limit)
}

func (b *MemoryBus) HistoryAll(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var all []Event
	for _, name := range b.histOrd {
		all = append(all, b.history[name]...)
	}
	return truncateNewestLast(all, limit)
}

func truncateNewestLast(events []Event, limit int) []Event {
	if limit <= 0 || limit >= len(events) {
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}
	out := make([]Event, limit)
	copy(out, events[len(events)-limit:])
	return out
}

func (b *MemoryBus) Stats() map[string]NameStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]NameStats, len(b.stats))
	for name, st := range b.stats {
		listeners := len(b.named[name])
		out[name] = NameStats{Count: st.Count, LastEmitMillis: st.LastEmitMillis, ListenerCount: listeners}
	}
	return out
}
