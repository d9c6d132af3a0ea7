package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/config"
	"github.com/clduab11/priceslash/internal/events"
	"github.com/clduab11/priceslash/internal/metrics"
	"github.com/clduab11/priceslash/internal/notify"
	"github.com/clduab11/priceslash/internal/router"
	"github.com/clduab11/priceslash/internal/validator"
)

type stubModel struct {
	mu      sync.Mutex
	calls   int
	content string
	err     error
}

func (s *stubModel) Complete(_ context.Context, req router.CompletionRequest) (router.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return router.Response{}, s.err
	}
	return router.Response{Content: s.content, Model: req.Model}, nil
}

type recordChannel struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordChannel) Name() string { return "telegram" }

func (c *recordChannel) Send(_ context.Context, glitch events.Glitch, target string) notify.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, glitch.ID+"@"+target)
	return notify.Result{Channel: "telegram", Recipient: target, Success: true, SentAt: time.Now()}
}

func (c *recordChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type staticSubscribers []notify.Subscriber

func (s staticSubscribers) Eligible(context.Context) ([]notify.Subscriber, error) {
	return s, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Streams.Detected = "glitches:detected"
	cfg.Streams.Confirmed = "glitches:confirmed"
	cfg.Consumers.BatchSize = 16
	cfg.Consumers.PollInterval = 5 * time.Millisecond
	cfg.Consumers.MaxRetries = 3
	return cfg
}

func testPipeline(t *testing.T, model *stubModel) (*Pipeline, *broker.Memory, *recordChannel) {
	t.Helper()

	store := broker.NewMemory()
	r, err := router.New([]router.ModelConfig{
		{ID: "std-model", Weight: 1, Tier: router.TierStandard},
	}, model, router.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New router: %v", err)
	}
	v := validator.New(r, validator.Options{}, zerolog.Nop())

	channel := &recordChannel{}
	subs := staticSubscribers{{
		ID: "sub-1",
		Prefs: notify.Preferences{
			MinProfitMargin: decimal.NewFromInt(50),
			MaxPrice:        decimal.NewFromInt(500),
		},
		Targets: map[string]string{"telegram": "chat-1"},
	}}
	fanout := notify.NewFanout(store, subs, []notify.Channel{channel}, time.Hour, zerolog.Nop())

	p := New(testConfig(), store, v, fanout, metrics.New(), zerolog.Nop())
	return p, store, channel
}

func crashObservation() events.Observation {
	history := make([]decimal.Decimal, 15)
	for i := range history {
		history[i] = decimal.NewFromFloat(195 + float64(i%5))
	}
	return events.Observation{
		ProductID: "prod-1",
		Title:     "Noise Cancelling Headphones",
		URL:       "https://megamart.example/p/prod-1",
		Retailer:  "megamart",
		Category:  "electronics",
		Current:   decimal.NewFromFloat(9.99),
		Original:  decimal.NewFromFloat(199.99),
		History:   history,
	}
}

// A crashed price travels the whole pipeline: detect, publish, confirm,
// fan out. Exactly one notification reaches the subscriber.
func TestPipelineEndToEnd(t *testing.T) {
	model := &stubModel{content: `{"legit": true, "confidence": 88, "reasoning": "clearly a pricing mistake"}`}
	p, store, channel := testPipeline(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ev, res, err := p.DetectAndPublish(ctx, crashObservation())
	if err != nil {
		t.Fatalf("DetectAndPublish: %v", err)
	}
	if !res.IsAnomaly {
		t.Fatalf("expected anomaly, got %+v", res)
	}
	if ev == nil {
		t.Fatal("expected published event")
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for channel.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no notification delivered within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}

	if got := channel.count(); got != 1 {
		t.Fatalf("expected exactly one delivery, got %d", got)
	}

	confirmed, err := store.Read(context.Background(), "glitches:confirmed", broker.StartID, 10)
	if err != nil {
		t.Fatalf("Read confirmed: %v", err)
	}
	if len(confirmed) != 1 {
		t.Fatalf("expected one confirmed glitch, got %d", len(confirmed))
	}
	glitch, err := events.DecodeGlitch(confirmed[0].Fields)
	if err != nil {
		t.Fatalf("DecodeGlitch: %v", err)
	}
	if glitch.DetectedID != ev.ID {
		t.Fatalf("confirmed glitch traces to %q, want %q", glitch.DetectedID, ev.ID)
	}
	if glitch.ProfitMargin.LessThan(decimal.NewFromInt(90)) {
		t.Fatalf("unexpected profit margin %s", glitch.ProfitMargin)
	}
}

// A clean rejection from the model drops the event without publishing
// anything to the confirmed stream and without error.
func TestPipelineRejectionPublishesNothing(t *testing.T) {
	model := &stubModel{content: `{"legit": false, "confidence": 90, "reasoning": "regular clearance"}`}
	p, store, _ := testPipeline(t, model)
	ctx := context.Background()

	ev, _, err := p.DetectAndPublish(ctx, crashObservation())
	if err != nil {
		t.Fatalf("DetectAndPublish: %v", err)
	}

	fields, err := events.Fields(ev.ID, ev, time.Now())
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if err := p.ValidationHandler()(ctx, broker.Entry{ID: "1-0", Fields: fields}); err != nil {
		t.Fatalf("validation handler: %v", err)
	}

	confirmed, err := store.Read(ctx, "glitches:confirmed", broker.StartID, 10)
	if err != nil {
		t.Fatalf("Read confirmed: %v", err)
	}
	if len(confirmed) != 0 {
		t.Fatalf("expected empty confirmed stream, got %d entries", len(confirmed))
	}
}

// A model outage surfaces as a retryable error from the handler.
func TestPipelineModelFailureIsRetryable(t *testing.T) {
	model := &stubModel{err: errors.New("upstream 503")}
	p, _, _ := testPipeline(t, model)
	ctx := context.Background()

	ev, _, err := p.DetectAndPublish(ctx, crashObservation())
	if err != nil {
		t.Fatalf("DetectAndPublish: %v", err)
	}

	fields, err := events.Fields(ev.ID, ev, time.Now())
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	err = p.ValidationHandler()(ctx, broker.Entry{ID: "1-0", Fields: fields})
	if err == nil {
		t.Fatal("expected error from failed completion")
	}
	if errors.Is(err, events.ErrMalformedPayload) {
		t.Fatalf("model failure must not look like a poison entry: %v", err)
	}
}

// Garbage entries surface ErrMalformedPayload so the consumer skips them.
func TestPipelineMalformedEntries(t *testing.T) {
	model := &stubModel{content: `{}`}
	p, _, _ := testPipeline(t, model)
	ctx := context.Background()

	entry := broker.Entry{ID: "1-0", Fields: map[string]string{"payload": "{not json"}}
	if err := p.ValidationHandler()(ctx, entry); !errors.Is(err, events.ErrMalformedPayload) {
		t.Fatalf("validation handler error = %v, want ErrMalformedPayload", err)
	}
	if err := p.NotificationHandler()(ctx, entry); !errors.Is(err, events.ErrMalformedPayload) {
		t.Fatalf("notification handler error = %v, want ErrMalformedPayload", err)
	}
}

// A normal price produces no event and no stream write.
func TestPipelineQuietObservation(t *testing.T) {
	model := &stubModel{content: `{}`}
	p, store, _ := testPipeline(t, model)
	ctx := context.Background()

	obs := crashObservation()
	obs.Current = decimal.NewFromFloat(189.99)
	ev, res, err := p.DetectAndPublish(ctx, obs)
	if err != nil {
		t.Fatalf("DetectAndPublish: %v", err)
	}
	if ev != nil || res.IsAnomaly {
		t.Fatalf("expected no anomaly, got ev=%v res=%+v", ev, res)
	}

	detected, err := store.Read(ctx, "glitches:detected", broker.StartID, 10)
	if err != nil {
		t.Fatalf("Read detected: %v", err)
	}
	if len(detected) != 0 {
		t.Fatalf("expected empty detected stream, got %d entries", len(detected))
	}
}
