package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

func testEvent() models.WorkflowEvent {
	return models.WorkflowEvent{
		Type:       models.EventStateChanged,
		WorkflowID: "wf-1",
		Data:       map[string]any{"to": "completed"},
		Timestamp:  time.Now().UTC(),
	}
}

func TestWebhookDispatchSignsPayload(t *testing.T) {
	ctx := context.Background()
	var gotBody []byte
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Squor-Signature")
		gotEvent = r.Header.Get("X-Squor-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name:   "ops",
		Kind:   models.ChannelWebhook,
		URL:    srv.URL,
		Secret: "hush",
		Active: true,
	})

	svc := NewService(mem)
	results := svc.DispatchAll(ctx, testEvent())
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}

	if gotEvent != "state_changed" {
		t.Errorf("event header = %q", gotEvent)
	}
	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookRetryResendsFullBody(t *testing.T) {
	ctx := context.Background()
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, b)
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name:   "flaky",
		Kind:   models.ChannelWebhook,
		URL:    srv.URL,
		Secret: "hush",
		Active: true,
	})

	svc := NewService(mem)
	results := svc.DispatchAll(ctx, testEvent())
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want success on retry", results)
	}

	if len(bodies) != 2 {
		t.Fatalf("attempts = %d, want 2", len(bodies))
	}
	if len(bodies[1]) == 0 {
		t.Fatal("retried request posted an empty body")
	}
	if string(bodies[0]) != string(bodies[1]) {
		t.Errorf("retry body differs from first attempt: %q vs %q", bodies[0], bodies[1])
	}
}

func TestChannelSubscriptionFiltering(t *testing.T) {
	ctx := context.Background()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name:   "errors-only",
		Kind:   models.ChannelWebhook,
		URL:    srv.URL,
		Events: []string{"error_occurred"},
		Active: true,
	})

	svc := NewService(mem)
	results := svc.DispatchAll(ctx, testEvent())
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v, want subscription miss", results)
	}
	if calls != 0 {
		t.Errorf("webhook called %d times for unsubscribed event", calls)
	}
}

func TestExprFilter(t *testing.T) {
	ctx := context.Background()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name:   "completions",
		Kind:   models.ChannelWebhook,
		URL:    srv.URL,
		Filter: `type == "state_changed" && data.to == "completed"`,
		Active: true,
	})

	svc := NewService(mem)
	if r := svc.DispatchAll(ctx, testEvent()); len(r) != 1 || !r[0].Success {
		t.Fatalf("matching event: %+v", r)
	}

	miss := testEvent()
	miss.Data = map[string]any{"to": "failed"}
	if r := svc.DispatchAll(ctx, miss); r[0].Success {
		t.Fatalf("non-matching event dispatched: %+v", r)
	}
	if calls != 1 {
		t.Errorf("webhook calls = %d, want 1", calls)
	}
}

func TestInactiveChannelSkipped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name: "off", Kind: models.ChannelWebhook, URL: "http://127.0.0.1:0", Active: false,
	})

	svc := NewService(mem)
	// ListChannels(activeOnly) already excludes it.
	if r := svc.DispatchAll(ctx, testEvent()); len(r) != 0 {
		t.Errorf("results = %+v, want none", r)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	svc := NewService(store.NewMemory())
	// Never started: the queue only fills.
	for i := 0; i < queueSize+10; i++ {
		svc.Publish(testEvent())
	}
	if len(svc.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(svc.queue), queueSize)
	}
}

func TestStartDispatchesQueuedEvents(t *testing.T) {
	ctx := context.Background()
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case received <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mem := store.NewMemory()
	mem.CreateChannel(ctx, &models.NotificationChannel{
		Name: "ops", Kind: models.ChannelWebhook, URL: srv.URL, Active: true,
	})

	svc := NewService(mem)
	svc.Start(ctx)
	defer svc.Stop()

	svc.Publish(testEvent())
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("queued event never dispatched")
	}
}
