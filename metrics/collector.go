// Package metrics implements MetricsCollector (core spec §4.5): per-event
// and per-module counters bounded by cardinality, system figures read on
// each Snapshot call, and JSON/Prometheus/CSV export.
package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// EventStat is the per-event-name counter (§4.5).
type EventStat struct {
	Count               int64
	FirstSeenMillis     int64
	LastSeenMillis      int64
	TotalProcessingTime time.Duration
	Errors              int64
}

// ModuleStat is the per-module/metric counter (§4.5).
type ModuleStat struct {
	Count            int64
	Sum              float64
	Min              float64
	Max              float64
	LastValue        float64
	LastUpdateMillis int64
}

// SystemSnapshot holds system figures read fresh on each Snapshot call;
// no background timer refreshes them.
type SystemSnapshot struct {
	MemoryBytes           uint64
	Goroutines            int
	UptimeSeconds         float64
	PID                   int
	LastCollectDurationMs int64
}

// CollectorFunc is a user-registered metric source; it may run
// synchronously or be wrapped to run asynchronously by the caller. Its
// return value is attached to the next snapshot under its registered name.
type CollectorFunc func() (any, error)

// Collector is the MetricsCollector implementation. Bounded cardinality
// for both event and module counters is backed by a true recency-based
// LRU (github.com/hashicorp/golang-lru) rather than hand-rolled insertion
// order, resolving the core spec's open question in favor of the stronger
// of the two options it names ("A true recency-based LRU would require an
// auxiliary structure" — this is that structure).
type Collector struct {
	mu sync.Mutex

	events  *lru.Cache
	modules *lru.Cache

	collectors map[string]CollectorFunc

	startTime time.Time
}

// Option configures a Collector.
type Option func(*Collector)

func WithMaxEventTypes(n int) Option { return func(c *Collector) { c.resizeEvents(n) } }
func WithMaxModules(n int) Option    { return func(c *Collector) { c.resizeModules(n) } }

// New constructs a Collector bounded by the given event/module cardinality.
func New(maxEventTypes, maxModules int) *Collector {
	if maxEventTypes <= 0 {
		maxEventTypes = 1000
	}
	if maxModules <= 0 {
		maxModules = 200
	}
	events, _ := lru.New(maxEventTypes)
	modules, _ := lru.New(maxModules)
	return &Collector{
		events:     events,
		modules:    modules,
		collectors: make(map[string]CollectorFunc),
		startTime:  time.Now(),
	}
}

func (c *Collector) resizeEvents(n int) {
	cache, _ := lru.New(n)
	c.events = cache
}

func (c *Collector) resizeModules(n int) {
	cache, _ := lru.New(n)
	c.modules = cache
}

// RecordEvent updates the counter for name, adding processingTime and
// incrementing errors when the corresponding handler failed.
func (c *Collector) RecordEvent(name string, processingTime time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	var st EventStat
	if v, ok := c.events.Get(name); ok {
		st = v.(EventStat)
	} else {
		st.FirstSeenMillis = now
	}
	st.Count++
	st.LastSeenMillis = now
	st.TotalProcessingTime += processingTime
	if failed {
		st.Errors++
	}
	c.events.Add(name, st)
}

// RecordModuleMetric updates a named module/metric counter.
func (c *Collector) RecordModuleMetric(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	st, ok := c.modules.Get(name)
	var ms ModuleStat
	if ok {
		ms = st.(ModuleStat)
		if value < ms.Min {
			ms.Min = value
		}
		if value > ms.Max {
			ms.Max = value
		}
	} else {
		ms.Min, ms.Max = value, value
	}
	ms.Count++
	ms.Sum += value
	ms.LastValue = value
	ms.LastUpdateMillis = now
	c.modules.Add(name, ms)
}

// RegisterCollector attaches a named metric source; failures are the
// caller's responsibility to log, since this method itself does not log.
func (c *Collector) RegisterCollector(name string, fn CollectorFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collectors[name] = fn
}

// Snapshot runs every registered collector (omitting failures) and returns
// the current state of every counter plus a fresh SystemSnapshot.
func (c *Collector) Snapshot() Snapshot {
	start := time.Now()

	c.mu.Lock()
	events := make(map[string]EventStat, c.events.Len())
	for _, k := range c.events.Keys() {
		if v, ok := c.events.Peek(k); ok {
			events[k.(string)] = v.(EventStat)
		}
	}
	modules := make(map[string]ModuleStat, c.modules.Len())
	for _, k := range c.modules.Keys() {
		if v, ok := c.modules.Peek(k); ok {
			modules[k.(string)] = v.(ModuleStat)
		}
	}
	collectors := make(map[string]CollectorFunc, len(c.collectors))
	for k, v := range c.collectors {
		collectors[k] = v
	}
	startTime := c.startTime
	c.mu.Unlock()

	custom := make(map[string]any, len(collectors))
	for name, fn := range collectors {
		if v, err := fn(); err == nil {
			custom[name] = v
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		Events:  events,
		Modules: modules,
		Custom:  custom,
		System: SystemSnapshot{
			MemoryBytes:           mem.Alloc,
			Goroutines:            runtime.NumGoroutine(),
			UptimeSeconds:         time.Since(startTime).Seconds(),
			PID:                   os.Getpid(),
			LastCollectDurationMs: time.Since(start).Milliseconds(),
		},
	}
}

// Reset clears all counters and resets startTime (§4.5).
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events.Purge()
	c.modules.Purge()
	c.startTime = time.Now()
}

// Snapshot is the point-in-time export of all collector state.
type Snapshot struct {
	Events  map[string]EventStat
	Modules map[string]ModuleStat
	Custom  map[string]any
	System  SystemSnapshot
}

// JSON renders the snapshot as JSON.
func (s Snapshot) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Prometheus renders the snapshot in the Prometheus text exposition format.
func (s Snapshot) Prometheus() []byte {
	var b bytes.Buffer
	names := make([]string, 0, len(s.Events))
	for name := range s.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Events[name]
		fmt.Fprintf(&b, "gamification_event_total{event=%q} %d\n", name, st.Count)
		fmt.Fprintf(&b, "gamification_event_errors_total{event=%q} %d\n", name, st.Errors)
	}

	modNames := make([]string, 0, len(s.Modules))
	for name := range s.Modules {
		modNames = append(modNames, name)
	}
	sort.Strings(modNames)
	for _, name := range modNames {
		ms := s.Modules[name]
		fmt.Fprintf(&b, "gamification_module_metric{name=%q} %g\n", name, ms.LastValue)
	}

	fmt.Fprintf(&b, "gamification_uptime_seconds %g\n", s.System.UptimeSeconds)
	fmt.Fprintf(&b, "gamification_memory_bytes %d\n", s.System.MemoryBytes)
	return b.Bytes()
}

// CSV renders the per-event counters as CSV with a header row.
func (s Snapshot) CSV() []byte {
	var b bytes.Buffer
	b.WriteString("event,count,errors,first_seen_ms,last_seen_ms,total_processing_ms\n")
	names := make([]string, 0, len(s.Events))
	for name := range s.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := s.Events[name]
		fmt.Fprintf(&b, "%s,%d,%d,%d,%d,%d\n", name, st.Count, st.Errors, st.FirstSeenMillis, st.LastSeenMillis, st.TotalProcessingTime.Milliseconds())
	}
	return b.Bytes()
}
