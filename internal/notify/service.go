// Package notify fans workflow events out to registered notification
// channels through pluggable ChannelDriver implementations. The built-in
// driver posts to webhook URLs with optional HMAC-SHA256 signing.
package notify

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

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/squorworks/pipeline/internal/store"
	"github.com/squorworks/pipeline/pkg/models"
)

// queueSize bounds the event buffer between the engine and dispatch.
// When full, new events are dropped: notification loss never stalls
// processing.
const queueSize = 256

// ChannelDriver sends one event to one channel kind.
type ChannelDriver interface {
	Kind() models.ChannelKind
	Send(ctx context.Context, channel *models.NotificationChannel, event models.WorkflowEvent) error
}

// Service dispatches workflow events to registered channels. It
// implements the engine's EventSink.
type Service struct {
	store   store.ChannelStore
	client  *http.Client
	drivers map[models.ChannelKind]ChannelDriver
	drvMu   sync.RWMutex

	queue    chan models.WorkflowEvent
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewService creates the service with the built-in webhook driver.
func NewService(s store.ChannelStore) *Service {
	svc := &Service{
		store:   s,
		client:  &http.Client{Timeout: 15 * time.Second},
		drivers: make(map[models.ChannelKind]ChannelDriver),
		queue:   make(chan models.WorkflowEvent, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces the driver for a channel kind.
func (s *Service) RegisterDriver(driver ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

func (s *Service) driver(kind models.ChannelKind) ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Publish queues an event for asynchronous dispatch, dropping it when
// the buffer is full.
func (s *Service) Publish(event models.WorkflowEvent) {
	select {
	case s.queue <- event:
	default:
		log.Warn().Str("type", string(event.Type)).Str("workflow_id", event.WorkflowID).
			Msg("notification queue full, event dropped")
	}
}

// Start runs the background dispatch loop.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case ev := <-s.queue:
				s.DispatchAll(ctx, ev)
			}
		}
	}()
}

// Stop ends the dispatch loop. Queued events are abandoned.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// DispatchAll sends an event to every matching active channel
// concurrently and collects the per-channel results.
func (s *Service) DispatchAll(ctx context.Context, event models.WorkflowEvent) []models.NotifyResult {
	channels, err := s.store.ListChannels(ctx, true)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list notification channels")
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []models.NotifyResult
	)
	for i := range channels {
		ch := channels[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, event)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// DispatchToChannel sends one event through one channel, honoring its
// subscriptions and filter expression.
func (s *Service) DispatchToChannel(ctx context.Context, channel *models.NotificationChannel, event models.WorkflowEvent) models.NotifyResult {
	result := models.NotifyResult{
		Channel:   fmt.Sprintf("%s/%s", channel.Kind, channel.Name),
		Timestamp: time.Now().UTC(),
	}

	if !channel.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", channel.Name)
		return result
	}
	if !channelSubscribes(channel, string(event.Type)) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s events", channel.Name, event.Type)
		return result
	}
	if ok, err := filterMatches(channel.Filter, event); err != nil {
		result.Error = fmt.Sprintf("filter error: %v", err)
		log.Warn().Err(err).Str("channel", channel.Name).Msg("Channel filter failed")
		return result
	} else if !ok {
		result.Error = "filtered out"
		return result
	}

	driver := s.driver(channel.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", channel.Kind)
		log.Warn().Str("kind", string(channel.Kind)).Str("channel", channel.Name).Msg("No channel driver")
		return result
	}

	if err := driver.Send(ctx, channel, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).Str("channel", channel.Name).Str("event", string(event.Type)).Msg("Channel notification failed")
		return result
	}

	result.Success = true
	log.Info().Str("channel", channel.Name).Str("event", string(event.Type)).
		Str("workflow_id", event.WorkflowID).Msg("Channel notification dispatched")
	return result
}

// filterMatches evaluates the channel's filter expression against the
// event. The expression sees `type`, `workflow_id`, and `data`.
func filterMatches(filter string, event models.WorkflowEvent) (bool, error) {
	if filter == "" {
		return true, nil
	}
	env := map[string]any{
		"type":        string(event.Type),
		"workflow_id": event.WorkflowID,
		"data":        event.Data,
	}
	out, err := expr.Eval(filter, env)
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("filter did not evaluate to bool: %v", out)
	}
	return ok, nil
}

func channelSubscribes(ch *models.NotificationChannel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true // empty means "all events"
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// ── Webhook Channel Driver (built-in) ────────────────────────

// WebhookChannelDriver posts events as JSON to a webhook URL with
// optional HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client *http.Client
}

// Kind returns ChannelWebhook.
func (d *WebhookChannelDriver) Kind() models.ChannelKind {
	return models.ChannelWebhook
}

// Send posts the event to the channel's URL.
func (d *WebhookChannelDriver) Send(ctx context.Context, channel *models.NotificationChannel, event models.WorkflowEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var sig string
	if channel.Secret != "" {
		mac := hmac.New(sha256.New, []byte(channel.Secret))
		mac.Write(body)
		sig = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*2) * time.Second)
		}
		// A fresh request per attempt: the body reader is consumed by
		// the transport, so a retried request would otherwise post an
		// empty body.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Squor-Webhook/1.0")
		req.Header.Set("X-Squor-Event", string(event.Type))
		if sig != "" {
			req.Header.Set("X-Squor-Signature", sig)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
