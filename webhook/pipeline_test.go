package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersinkoc/gamificationkit/eventbus"
)

func TestPipeline_DeliversMatchingSubscriberWithValidSignature(t *testing.T) {
	var gotSig, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New("s3cr3t", nil)
	sub := p.AddSubscription(Subscription{URL: server.URL, Events: []string{"points.*"}, Enabled: true, Retries: 3})
	p.Start(context.Background())
	defer p.Close(time.Second)

	p.Emit(eventbus.NewEvent("points.awarded", map[string]interface{}{"userId": "u1"}))

	require.Eventually(t, func() bool { return gotSig != "" }, time.Second, 5*time.Millisecond)

	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write([]byte(gotBody))
	want := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSig)
	_ = sub
}

func TestPipeline_NonMatchingSubscriberNeverCalled(t *testing.T) {
	var called int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
	}))
	defer server.Close()

	p := New("secret", nil)
	p.AddSubscription(Subscription{URL: server.URL, Events: []string{"quest.*"}, Enabled: true, Retries: 3})
	p.Start(context.Background())
	defer p.Close(time.Second)

	p.Emit(eventbus.NewEvent("points.awarded", nil))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestPipeline_RetriesThenEmitsWebhookFailed(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	bus := eventbus.NewMemoryBus()
	var failedEvt eventbus.Event
	done := make(chan struct{})
	_, err := bus.Subscribe("webhook.failed", func(ctx context.Context, e eventbus.Event) error {
		failedEvt = e
		close(done)
		return nil
	})
	require.NoError(t, err)

	p := New("secret", bus, WithRetryDelay(time.Millisecond))
	p.AddSubscription(Subscription{URL: server.URL, Events: []string{"*"}, Enabled: true, Retries: 2, Timeout: time.Second})
	p.Start(context.Background())
	defer p.Close(time.Second)

	p.Emit(eventbus.NewEvent("points.awarded", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook.failed was never emitted")
	}

	assert.Equal(t, "points.awarded", failedEvt.Data["event"])
	// retries=2 means 3 total delivery attempts (the first, then retries
	// after delay and 2*delay) before the item is abandoned (core spec §8
	// scenario 5).
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestPipeline_QueueDropsOldestOnOverflow(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(block)

	p := New("secret", nil, WithMaxQueueSize(1))
	p.AddSubscription(Subscription{URL: server.URL, Events: []string{"*"}, Enabled: true, Retries: 1, Timeout: 5 * time.Second})

	// Don't Start the worker, so items accumulate in the queue untouched.
	p.Emit(eventbus.NewEvent("a", nil))
	p.Emit(eventbus.NewEvent("b", nil))
	p.Emit(eventbus.NewEvent("c", nil))

	assert.Equal(t, 1, p.QueueSize())
}

func TestPipeline_VerifySignatureRejectsTamperedPayload(t *testing.T) {
	p := New("secret", nil)
	payload, err := json.Marshal(map[string]string{"hello": "world"})
	require.NoError(t, err)

	sig := p.signBytes(payload)
	assert.True(t, p.VerifySignature(payload, sig))

	tampered := append(append([]byte{}, payload...), 'x')
	assert.False(t, p.VerifySignature(tampered, sig))
	assert.False(t, p.VerifySignature(payload, "deadbeef"))
	assert.False(t, p.VerifySignature(payload, sig[:len(sig)-2]))
}

func TestPipeline_RemoveSubscriptionStopsFutureDelivery(t *testing.T) {
	var called int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&called, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New("secret", nil)
	sub := p.AddSubscription(Subscription{URL: server.URL, Events: []string{"*"}, Enabled: true, Retries: 1})
	p.RemoveSubscription(sub.ID)
	p.Start(context.Background())
	defer p.Close(time.Second)

	p.Emit(eventbus.NewEvent("x", nil))
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}
