// Package webhook implements the WebhookPipeline (core spec §4.3): signed
// HTTP delivery to wildcard-matched subscribers, a bounded drop-oldest
// queue, and exponential-backoff retries terminating in a webhook.failed
// event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ersinkoc/gamificationkit/eventbus"
	"github.com/ersinkoc/gamificationkit/logging"
)

// Subscription is a registered webhook endpoint (core spec §3.5).
type Subscription struct {
	ID        string
	URL       string
	Events    []string // wildcard patterns; "*" matches everything
	Headers   map[string]string
	Enabled   bool
	Retries   int
	Timeout   time.Duration
	CreatedAt time.Time
}

// QueueItem is a unit of pending delivery work (core spec §3.6).
type QueueItem struct {
	Webhook    Subscription
	Event      eventbus.Event
	Attempts   int
	EnqueuedAt time.Time
}

type eventPayload struct {
	Name      string                 `json:"name"`
	Data      map[string]interface{} `json:"data"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
}

type signedPayload struct {
	WebhookID string       `json:"webhookId"`
	Timestamp int64        `json:"timestamp"`
	Event     eventPayload `json:"event"`
}

const (
	defaultMaxQueueSize = 1000
	defaultRetryDelay   = time.Second
	maxRetryDelay       = 30 * time.Second
	defaultTimeout      = 5 * time.Second
)

// Pipeline is the WebhookPipeline implementation.
type Pipeline struct {
	mu   sync.Mutex
	subs map[string]*Subscription

	queue        []QueueItem
	maxQueueSize int

	secret     string
	retryDelay time.Duration
	client     *http.Client
	logger     logging.Logger

	bus *eventbus.MemoryBus // used only to emit webhook.failed

	notify  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
	pending sync.WaitGroup // in-flight + scheduled-retry deliveries
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithMaxQueueSize(n int) Option    { return func(p *Pipeline) { p.maxQueueSize = n } }
func WithRetryDelay(d time.Duration) Option { return func(p *Pipeline) { p.retryDelay = d } }
func WithLogger(l logging.Logger) Option    { return func(p *Pipeline) { p.logger = l } }
func WithHTTPClient(c *http.Client) Option  { return func(p *Pipeline) { p.client = c } }

// New constructs a Pipeline signing deliveries with secret and emitting
// webhook.failed on bus when a delivery is abandoned.
func New(secret string, bus *eventbus.MemoryBus, opts ...Option) *Pipeline {
	p := &Pipeline{
		subs:         make(map[string]*Subscription),
		maxQueueSize: defaultMaxQueueSize,
		secret:       secret,
		retryDelay:   defaultRetryDelay,
		client:       &http.Client{},
		logger:       logging.Noop{},
		bus:          bus,
		notify:       make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddSubscription registers a subscriber, defaulting Timeout/Retries/ID
// when left zero.
func (p *Pipeline) AddSubscription(sub Subscription) Subscription {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Timeout <= 0 {
		sub.Timeout = defaultTimeout
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	p.mu.Lock()
	p.subs[sub.ID] = &sub
	p.mu.Unlock()
	return sub
}

func (p *Pipeline) RemoveSubscription(id string) {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
}

// Start launches the single background worker that drains the queue.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Emit matches event against every enabled subscriber's patterns and
// enqueues one QueueItem per match, evicting the oldest item on overflow.
func (p *Pipeline) Emit(event eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	for _, sub := range p.subs {
		if !sub.Enabled {
			continue
		}
		if !matchesAny(sub.Events, event.Name) {
			continue
		}
		item := QueueItem{Webhook: *sub, Event: event, EnqueuedAt: time.Now()}
		if len(p.queue) >= p.maxQueueSize {
			p.queue = p.queue[1:]
			p.logger.Warn("webhook queue full, dropping oldest item", "maxQueueSize", p.maxQueueSize)
		}
		p.queue = append(p.queue, item)
	}
	p.signalWorker()
}

func matchesAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if pat == "*" {
			return true
		}
		compiled, err := eventbus.CompilePattern(pat)
		if err != nil {
			continue
		}
		if compiled.Match(name) {
			return true
		}
	}
	return false
}

func (p *Pipeline) signalWorker() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// run drains the queue; a single invocation runs for the pipeline's
// lifetime, so re-entrant "processQueue" calls are impossible by
// construction rather than guarded by a flag.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		item, ok := p.dequeue()
		if !ok {
			select {
			case <-p.notify:
				continue
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		p.pending.Add(1)
		p.deliver(ctx, item)
		p.pending.Done()
	}
}

func (p *Pipeline) dequeue() (QueueItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return QueueItem{}, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	return item, true
}

func (p *Pipeline) enqueueBack(item QueueItem) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= p.maxQueueSize {
		p.queue = p.queue[1:]
		p.logger.Warn("webhook queue full, dropping oldest item", "maxQueueSize", p.maxQueueSize)
	}
	p.queue = append(p.queue, item)
	p.mu.Unlock()
	p.signalWorker()
}

// deliver attempts one HTTP POST; on failure it schedules a re-enqueue
// after an exponential backoff delay without blocking the drain loop, and
// on terminal failure emits webhook.failed (core spec §4.3 retry policy).
func (p *Pipeline) deliver(ctx context.Context, item QueueItem) {
	err := p.send(ctx, item)
	if err == nil {
		return
	}

	item.Attempts++
	if item.Attempts > item.Webhook.Retries {
		p.logger.Error("webhook delivery abandoned", "webhookId", item.Webhook.ID, "event", item.Event.Name, "error", err)
		p.emitFailed(ctx, item, err)
		return
	}

	delay := backoff(p.retryDelay, item.Attempts-1)
	p.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer p.pending.Done()
		p.enqueueBack(item)
	})
}

func backoff(base time.Duration, attempts int) time.Duration {
	d := base * time.Duration(1<<uint(attempts))
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func (p *Pipeline) emitFailed(ctx context.Context, item QueueItem, deliveryErr error) {
	if p.bus == nil {
		return
	}
	_, _ = p.bus.Emit(ctx, "webhook.failed", map[string]interface{}{
		"webhookId": item.Webhook.ID,
		"event":     item.Event.Name,
		"error":     deliveryErr.Error(),
	})
}

func (p *Pipeline) send(ctx context.Context, item QueueItem) error {
	body, sig, err := p.sign(item)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, item.Webhook.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, item.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	for k, v := range item.Webhook.Headers {
		req.Header.Set(k, v)
	}
	// Authoritative headers always win over user-supplied values.
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	req.Header.Set("X-Webhook-Event", item.Event.Name)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *Pipeline) sign(item QueueItem) ([]byte, string, error) {
	payload := signedPayload{
		WebhookID: item.Webhook.ID,
		Timestamp: time.Now().UnixMilli(),
		Event: eventPayload{
			Name:      item.Event.Name,
			Data:      item.Event.Data,
			ID:        item.Event.ID,
			Timestamp: item.Event.Timestamp,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return body, p.signBytes(body), nil
}

func (p *Pipeline) signBytes(body []byte) string {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns false on a length mismatch before ever running a
// constant-time comparison, and uses hmac.Equal (constant-time) otherwise
// (core spec §4.3 "Signature verification helper").
func (p *Pipeline) VerifySignature(payload []byte, sig string) bool {
	want := p.signBytes(payload)
	if len(want) != len(sig) {
		return false
	}
	return hmac.Equal([]byte(want), []byte(sig))
}

// QueueSize reports the current depth of the pending-delivery queue.
func (p *Pipeline) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting new emits, waits (bounded by timeout) for
// in-flight and scheduled-retry deliveries to finish, and returns the
// queue depth left undelivered.
func (p *Pipeline) Close(timeout time.Duration) (remaining int, err error) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	close(p.stop)

	waitDone := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(timeout):
		err = fmt.Errorf("webhook pipeline close timed out after %s", timeout)
	}

	return p.QueueSize(), err
}
