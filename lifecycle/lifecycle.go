// Package lifecycle broadcasts Kit and module state transitions as
// CloudEvents, so operators and in-process subscribers can observe startup,
// shutdown, and per-module failures without reaching into the Kit's
// internals. Adapted from the teacher's root observer.go/observer_cloudevents.go
// Observer/Subject pair, narrowed to the five-state Kit lifecycle and the
// module lifecycle described by SPEC_FULL.md's orchestration section.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/ersinkoc/gamificationkit/logging"
)

// Observer is notified of lifecycle events it has subscribed to.
type Observer interface {
	// OnEvent handles a lifecycle CloudEvent. It should return promptly;
	// the Recorder does not bound how long a slow observer can block.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies this observer for registration and logging.
	ObserverID() string
}

// Recorder is the lifecycle event bus: components publish state-transition
// events to it, and Observers subscribe to a subset (or all) of them.
type Recorder interface {
	RegisterObserver(observer Observer, eventTypes ...string) error
	UnregisterObserver(observer Observer) error
	NotifyObservers(ctx context.Context, event cloudevents.Event) error
	Observers() []ObserverInfo
}

// ObserverInfo describes a registered observer for diagnostics.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Event type vocabulary, reverse-domain per the CloudEvents spec.
const (
	EventTypeKitCreated      = "io.gamificationkit.kit.created"
	EventTypeKitInitializing = "io.gamificationkit.kit.initializing"
	EventTypeKitRunning      = "io.gamificationkit.kit.running"
	EventTypeKitShuttingDown = "io.gamificationkit.kit.shuttingdown"
	EventTypeKitTerminated   = "io.gamificationkit.kit.terminated"
	EventTypeKitFailed       = "io.gamificationkit.kit.failed"

	EventTypeModuleRegistered  = "io.gamificationkit.module.registered"
	EventTypeModuleInitialized = "io.gamificationkit.module.initialized"
	EventTypeModuleShutdown    = "io.gamificationkit.module.shutdown"
	EventTypeModuleFailed      = "io.gamificationkit.module.failed"
)

// ErrNoObserversRegistered is not an error condition by itself; NotifyObservers
// returns nil when there is nothing to notify. Nothing in this package
// returns it.
var ErrNoObserversRegistered = errors.New("lifecycle: no observers registered")

type subscription struct {
	observer     Observer
	eventTypes   map[string]bool // nil/empty means "all types"
	registeredAt time.Time
}

func (s *subscription) matches(eventType string) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	return s.eventTypes[eventType]
}

// InProcessRecorder is a Recorder that notifies observers synchronously
// (the order among observers is not defined, since they are kept in a
// map), recovering from and logging any observer panic so
// one broken subscriber cannot take down the emitting goroutine.
type InProcessRecorder struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger logging.Logger
	source string
}

// NewInProcessRecorder constructs a Recorder whose emitted events carry
// source as their CloudEvents source attribute (typically the Kit's name).
func NewInProcessRecorder(source string, logger logging.Logger) *InProcessRecorder {
	if logger == nil {
		logger = logging.Noop{}
	}
	return &InProcessRecorder{
		subs:   make(map[string]*subscription),
		logger: logger,
		source: source,
	}
}

func (r *InProcessRecorder) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return errors.New("lifecycle: nil observer")
	}
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[observer.ObserverID()] = &subscription{observer: observer, eventTypes: set, registeredAt: time.Now()}
	return nil
}

func (r *InProcessRecorder) UnregisterObserver(observer Observer) error {
	if observer == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, observer.ObserverID())
	return nil
}

func (r *InProcessRecorder) NotifyObservers(ctx context.Context, event cloudevents.Event) error {
	r.mu.RLock()
	targets := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.matches(event.Type()) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		r.deliver(ctx, sub.observer, event)
	}
	return nil
}

func (r *InProcessRecorder) deliver(ctx context.Context, observer Observer, event cloudevents.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("lifecycle observer panicked", "observer", observer.ObserverID(), "event", event.Type(), "panic", rec)
		}
	}()
	if err := observer.OnEvent(ctx, event); err != nil {
		r.logger.Warn("lifecycle observer returned error", "observer", observer.ObserverID(), "event", event.Type(), "error", err)
	}
}

func (r *InProcessRecorder) Observers() []ObserverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ObserverInfo, 0, len(r.subs))
	for id, sub := range r.subs {
		types := make([]string, 0, len(sub.eventTypes))
		for t := range sub.eventTypes {
			types = append(types, t)
		}
		out = append(out, ObserverInfo{ID: id, EventTypes: types, RegisteredAt: sub.registeredAt})
	}
	return out
}

// KitEvent builds a CloudEvent describing a Kit-level lifecycle transition.
func (r *InProcessRecorder) KitEvent(eventType, reason string) cloudevents.Event {
	evt := cloudevents.NewEvent()
	evt.SetID(newEventID())
	evt.SetSource(r.source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	evt.SetSpecVersion(cloudevents.VersionV1)
	payload := map[string]interface{}{"reason": reason}
	_ = evt.SetData(cloudevents.ApplicationJSON, payload)
	return evt
}

// ModuleEvent builds a CloudEvent describing a single module's lifecycle
// transition, e.g. from the orchestrator's Initialize/Shutdown calls.
func (r *InProcessRecorder) ModuleEvent(eventType, moduleName string, err error) cloudevents.Event {
	evt := cloudevents.NewEvent()
	evt.SetID(newEventID())
	evt.SetSource(r.source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	evt.SetSpecVersion(cloudevents.VersionV1)
	payload := map[string]interface{}{"module": moduleName}
	if err != nil {
		payload["error"] = err.Error()
	}
	_ = evt.SetData(cloudevents.ApplicationJSON, payload)
	evt.SetExtension("modulename", moduleName)
	return evt
}

// EmitKit publishes a Kit-level lifecycle event.
func (r *InProcessRecorder) EmitKit(ctx context.Context, eventType, reason string) error {
	return r.NotifyObservers(ctx, r.KitEvent(eventType, reason))
}

// EmitModule publishes a module-level lifecycle event.
func (r *InProcessRecorder) EmitModule(ctx context.Context, eventType, moduleName string, err error) error {
	return r.NotifyObservers(ctx, r.ModuleEvent(eventType, moduleName, err))
}

// FunctionalObserver adapts a plain function to the Observer interface, for
// callers that don't need a dedicated type.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver constructs a FunctionalObserver with id as its
// ObserverID and handler invoked by OnEvent.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

func (f *FunctionalObserver) ObserverID() string { return f.id }

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateEvent runs the CloudEvents SDK's own structural validation; it is
// exposed here so callers constructing events by hand (tests, adapters) can
// catch a malformed event before it reaches NotifyObservers.
func ValidateEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("lifecycle: invalid event: %w", err)
	}
	return nil
}
