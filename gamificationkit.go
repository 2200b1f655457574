// Package gamificationkit wires storage, the event bus, the rule engine, the
// webhook pipeline, metrics, and a set of domain modules into a single
// embeddable Kit, generalizing the teacher's root Application type from an
// open-ended DI/tenant framework down to the fixed five-stage gamification
// pipeline described by SPEC_FULL.md §4.8.
package gamificationkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/gkerrors"
	"github.com/ersinkoc/gamificationkit/lifecycle"
	"github.com/ersinkoc/gamificationkit/logging"
	"github.com/ersinkoc/gamificationkit/metrics"
	"github.com/ersinkoc/gamificationkit/module"
	"github.com/ersinkoc/gamificationkit/rules"
	"github.com/ersinkoc/gamificationkit/storage"
	"github.com/ersinkoc/gamificationkit/webhook"
)

// State is the Kit's lifecycle stage (core spec §4.8 / §3 state machine).
// Only Running accepts Track.
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shuttingdown"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// HTTPServer is the interface a Kit expects from its optional HTTP adapter
// (core spec §4.8 "HTTP server if enabled" / §6). Defined here, on the
// consumer side, rather than imported from httpapi, so the Kit never
// depends on its own adapters — httpapi.Server satisfies this interface
// structurally.
type HTTPServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// WSServer is the interface a Kit expects from its optional WebSocket
// adapter (core spec §4.8 "WebSocket server if enabled" / §6).
// wsapi.Server satisfies this interface structurally.
type WSServer interface {
	Close()
}

// TrackResult is returned from Track per core spec §4.8 step 6.
type TrackResult struct {
	EventID      string `json:"eventId"`
	Processed    bool   `json:"processed"`
	RulesMatched int    `json:"rulesMatched"`
	Timestamp    int64  `json:"timestamp"`
}

// Options configure a Kit at construction time. Storage, EventBus, and
// Logger default to in-memory/noop implementations if left nil, so a Kit is
// usable with zero configuration in tests.
type Options struct {
	Name    string
	Storage storage.Storage
	Events  *eventbus.MemoryBus
	Logger  logging.Logger

	RuleCacheTTL time.Duration

	WebhooksEnabled bool
	WebhookSecret   string

	MetricsEnabled       bool
	MetricsMaxEventTypes int
	MetricsMaxModules    int

	// HTTP and WS are optional server adapters (httpapi.Server / wsapi.Server)
	// the caller constructs against this Kit before calling Initialize, and
	// which Initialize/Shutdown then sequence per core spec §4.8. Both are
	// nil by default: the Kit is fully usable as a library with no HTTP/WS
	// surface at all.
	HTTP HTTPServer
	WS   WSServer

	ShutdownTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "gamificationkit"
	}
	if o.Logger == nil {
		o.Logger = logging.Noop{}
	}
	if o.Storage == nil {
		o.Storage = storage.NewMemory()
	}
	if o.Events == nil {
		o.Events = eventbus.NewMemoryBus(eventbus.WithLogger(o.Logger))
	}
	if o.MetricsMaxEventTypes == 0 {
		o.MetricsMaxEventTypes = 200
	}
	if o.MetricsMaxModules == 0 {
		o.MetricsMaxModules = 50
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
}

// Kit is the Orchestrator (core spec §4.8): it owns every shared dependency,
// dispatches Track calls through the rule engine and event bus, and
// sequences module/webhook/metrics startup and shutdown. A process may host
// multiple independent Kits; there is no global mutable state.
type Kit struct {
	mu    sync.RWMutex
	state State
	opts  Options

	storage  storage.Storage
	events   *eventbus.MemoryBus
	rules    *rules.Engine
	webhooks *webhook.Pipeline
	metrics  *metrics.Collector
	recorder *lifecycle.InProcessRecorder

	modules map[string]module.Module
	order   []string // registration order, preserved for deterministic startup/shutdown
}

// New constructs a Kit in StateCreated. Modules must be registered with
// Register before Initialize.
func New(opts Options) *Kit {
	opts.setDefaults()
	k := &Kit{
		state:    StateCreated,
		opts:     opts,
		storage:  opts.Storage,
		events:   opts.Events,
		rules:    rules.New(opts.RuleCacheTTL),
		modules:  make(map[string]module.Module),
		recorder: lifecycle.NewInProcessRecorder(opts.Name, opts.Logger),
	}
	if opts.MetricsEnabled {
		k.metrics = metrics.New(opts.MetricsMaxEventTypes, opts.MetricsMaxModules)
	}
	if opts.WebhooksEnabled {
		k.webhooks = webhook.New(opts.WebhookSecret, opts.Events, webhook.WithLogger(opts.Logger))
	}
	return k
}

// State returns the Kit's current lifecycle stage.
func (k *Kit) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Recorder exposes the lifecycle event Recorder, so callers can subscribe
// Observers before or after Initialize.
func (k *Kit) Recorder() lifecycle.Recorder { return k.recorder }

// Events exposes the underlying EventBus for direct subscription, e.g. by
// an HTTP/WebSocket adapter forwarding every event to connected clients.
func (k *Kit) Events() *eventbus.MemoryBus { return k.events }

// Rules exposes the RuleEngine so callers can register rules before or
// after Initialize; rule evaluation itself only happens inside Track.
func (k *Kit) Rules() *rules.Engine { return k.rules }

// Metrics returns the Kit's MetricsCollector, or nil if metrics are
// disabled.
func (k *Kit) Metrics() *metrics.Collector { return k.metrics }

// Webhooks returns the Kit's webhook Pipeline, or nil if webhooks are
// disabled.
func (k *Kit) Webhooks() *webhook.Pipeline { return k.webhooks }

// Register adds a module to the Kit. Must be called before Initialize; the
// order of registration is preserved for Initialize/Shutdown sequencing.
func (k *Kit) Register(m module.Module) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != StateCreated {
		return fmt.Errorf("%w: modules must be registered before Initialize", gkerrors.ErrValidation)
	}
	name := m.Name()
	if _, exists := k.modules[name]; exists {
		return fmt.Errorf("%w: module %q already registered", gkerrors.ErrModuleReregistered, name)
	}
	k.modules[name] = m
	k.order = append(k.order, name)
	return nil
}

// Module looks up a registered module by name.
func (k *Kit) Module(name string) (module.Module, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.modules[name]
	return m, ok
}

// Initialize runs the startup sequence (core spec §4.8): storage connect,
// webhook pipeline, metrics, each module's SetContext+Initialize in
// registration order, then emits the Kit's "running" lifecycle event.
// Calling Initialize twice is a no-op once the Kit has left StateCreated.
func (k *Kit) Initialize(ctx context.Context) error {
	k.mu.Lock()
	if k.state != StateCreated {
		k.mu.Unlock()
		return nil
	}
	k.state = StateInitializing
	k.mu.Unlock()

	_ = k.recorder.EmitKit(ctx, lifecycle.EventTypeKitInitializing, "")

	if err := k.storage.Connect(ctx); err != nil {
		return fmt.Errorf("gamificationkit: storage connect: %w", err)
	}

	if k.webhooks != nil {
		k.webhooks.Start(ctx)
		if _, err := k.events.SubscribeWildcard("*", func(_ context.Context, event eventbus.Event) error {
			k.webhooks.Emit(event)
			return nil
		}); err != nil {
			return fmt.Errorf("gamificationkit: wiring webhook pipeline: %w", err)
		}
	}

	if k.metrics != nil {
		if _, err := k.events.SubscribeWildcard("*", func(_ context.Context, event eventbus.Event) error {
			k.metrics.RecordEvent(event.Name, 0, false)
			return nil
		}); err != nil {
			return fmt.Errorf("gamificationkit: wiring metrics collector: %w", err)
		}
	}

	k.mu.RLock()
	order := append([]string(nil), k.order...)
	k.mu.RUnlock()

	for _, name := range order {
		m := k.modules[name]
		m.SetContext(module.Context{
			Storage: k.storage,
			Events:  k.events,
			Rules:   k.rules,
			Logger:  k.opts.Logger,
		})
		if err := m.Initialize(ctx); err != nil {
			_ = k.recorder.EmitModule(ctx, lifecycle.EventTypeModuleFailed, name, err)
			return fmt.Errorf("gamificationkit: initializing module %q: %w", name, err)
		}
		_ = k.recorder.EmitModule(ctx, lifecycle.EventTypeModuleInitialized, name, nil)
	}

	if k.opts.HTTP != nil {
		if err := k.opts.HTTP.Start(ctx); err != nil {
			return fmt.Errorf("gamificationkit: starting http server: %w", err)
		}
	}

	k.mu.Lock()
	k.state = StateRunning
	k.mu.Unlock()

	return k.recorder.EmitKit(ctx, lifecycle.EventTypeKitRunning, "")
}

// Track implements core spec §4.8: evaluate rules against the event, run
// their actions, emit the event on the bus, and return a summary. Track
// requires the Kit to be in StateRunning.
func (k *Kit) Track(ctx context.Context, name string, data map[string]interface{}) (TrackResult, error) {
	if k.State() != StateRunning {
		return TrackResult{}, fmt.Errorf("%w: track: kit is not running", gkerrors.ErrValidation)
	}
	if !eventbus.ValidEventName(name) {
		return TrackResult{}, fmt.Errorf("%w: track: invalid event name %q", gkerrors.ErrInvalidEventName, name)
	}

	if data == nil {
		data = map[string]interface{}{}
	}
	data["timestamp"] = time.Now().UnixMilli()

	evalResult, err := k.rules.EvaluateAll(data)
	if err != nil {
		return TrackResult{}, fmt.Errorf("gamificationkit: rule evaluation: %w", err)
	}
	for _, res := range evalResult.Results {
		if !res.Passed {
			continue
		}
		if err := k.ProcessActions(ctx, res.Actions, data); err != nil {
			k.opts.Logger.Warn("rule action failed", "rule", res.RuleName, "error", err)
		}
	}

	emitResult, err := k.events.Emit(ctx, name, data)
	if err != nil {
		return TrackResult{}, fmt.Errorf("gamificationkit: emit: %w", err)
	}
	for _, herr := range emitResult.Errors {
		k.opts.Logger.Warn("event handler failed", "event", name, "subscription", herr.SubscriptionID, "error", herr.Err)
	}

	return TrackResult{
		EventID:      emitResult.ID,
		Processed:    true,
		RulesMatched: len(evalResult.Passed),
		Timestamp:    data["timestamp"].(int64),
	}, nil
}

// ProcessActions dispatches each matched rule action to its named module or
// custom handler. Unknown actions are ignored; a per-action failure is
// logged and does not abort the remaining actions (core spec §4.8).
func (k *Kit) ProcessActions(ctx context.Context, actions []rules.Action, eventCtx map[string]interface{}) error {
	var firstErr error
	for _, action := range actions {
		if err := k.processAction(ctx, action, eventCtx); err != nil {
			k.opts.Logger.Warn("action processing failed", "type", action.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (k *Kit) processAction(ctx context.Context, action rules.Action, eventCtx map[string]interface{}) error {
	userID := action.UserID
	if userID == "" {
		if v, ok := eventCtx["userId"].(string); ok {
			userID = v
		}
	}

	switch action.Type {
	case rules.ActionAwardPoints:
		m, ok := k.Module("points")
		if !ok {
			return nil
		}
		awarder, ok := m.(interface {
			Award(ctx context.Context, userID string, amount int64, reason string) (int64, error)
		})
		if !ok {
			return fmt.Errorf("%w: points module does not support Award", gkerrors.ErrValidation)
		}
		_, err := awarder.Award(ctx, userID, int64(action.Points), action.Reason)
		return err
	case rules.ActionAwardBadge, rules.ActionCompleteQuest:
		// No badges/quests module is registered by default; a Kit that
		// registers one under the conventional name picks these up for
		// free because dispatch here is purely name-based.
		return nil
	case rules.ActionCustom:
		if action.Handler == nil {
			return nil
		}
		return action.Handler(ctx, eventCtx)
	default:
		return nil
	}
}

// GetUserStats fans a stats query out to every registered module (core
// spec §4 data flow: "A query call... fans out to every registered module
// in turn") and keys the aggregate by module name.
func (k *Kit) GetUserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	k.mu.RLock()
	order := append([]string(nil), k.order...)
	k.mu.RUnlock()

	out := make(map[string]interface{}, len(order))
	for _, name := range order {
		stats, err := k.modules[name].GetUserStats(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("gamificationkit: module %q stats: %w", name, err)
		}
		out[name] = stats
	}
	return out, nil
}

// ResetUser resets every registered module's state for userID.
func (k *Kit) ResetUser(ctx context.Context, userID string) error {
	k.mu.RLock()
	order := append([]string(nil), k.order...)
	k.mu.RUnlock()

	var firstErr error
	for _, name := range order {
		if err := k.modules[name].ResetUser(ctx, userID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("gamificationkit: module %q reset: %w", name, err)
			}
		}
	}
	return firstErr
}

// Shutdown runs the shutdown sequence (core spec §4.8): stop the HTTP
// server, close WebSocket clients, flush webhooks, shut down every module
// concurrently, disconnect storage.
// Idempotent; bounded by the Kit's configured ShutdownTimeout (or timeout
// if positive).
func (k *Kit) Shutdown(ctx context.Context, timeout time.Duration) error {
	k.mu.Lock()
	if k.state == StateTerminated || k.state == StateShuttingDown {
		k.mu.Unlock()
		return nil
	}
	k.state = StateShuttingDown
	order := append([]string(nil), k.order...)
	k.mu.Unlock()

	_ = k.recorder.EmitKit(ctx, lifecycle.EventTypeKitShuttingDown, "")

	if timeout <= 0 {
		timeout = k.opts.ShutdownTimeout
	}

	done := make(chan error, 1)
	go func() {
		done <- k.shutdownSequence(ctx, order)
	}()

	select {
	case err := <-done:
		k.mu.Lock()
		k.state = StateTerminated
		k.mu.Unlock()
		_ = k.recorder.EmitKit(ctx, lifecycle.EventTypeKitTerminated, "")
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w: shutdown timed out before all components finished", gkerrors.ErrStorage)
	}
}

func (k *Kit) shutdownSequence(ctx context.Context, order []string) error {
	if k.opts.HTTP != nil {
		if err := k.opts.HTTP.Stop(ctx); err != nil {
			k.opts.Logger.Warn("http server stop error", "error", err)
		}
	}
	if k.opts.WS != nil {
		k.opts.WS.Close()
	}

	if k.webhooks != nil {
		if _, err := k.webhooks.Close(5 * time.Second); err != nil {
			k.opts.Logger.Warn("webhook pipeline close error", "error", err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(order))
	for i, name := range order {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			if err := k.modules[name].Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("module %q: %w", name, err)
			}
		}(i, name)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return k.storage.Disconnect(ctx)
}
