// Package service wires the detector, streams, validator, and fan-out
// into the two-stage pipeline.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/config"
	"github.com/clduab11/priceslash/internal/consumer"
	"github.com/clduab11/priceslash/internal/detector"
	"github.com/clduab11/priceslash/internal/events"
	"github.com/clduab11/priceslash/internal/metrics"
	"github.com/clduab11/priceslash/internal/notify"
	"github.com/clduab11/priceslash/internal/validator"
)

// Cursor keys. One consumer per key; partition streams to scale out, do
// not run two consumers against one key.
const (
	CursorValidation   = "cursor:validation"
	CursorNotification = "cursor:notification"
)

// Pipeline owns both stage consumers and the detection producer.
type Pipeline struct {
	cfg       *config.Config
	store     broker.Broker
	validator *validator.Validator
	fanout    *notify.Fanout
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New wires the pipeline. metrics may be nil.
func New(cfg *config.Config, store broker.Broker, v *validator.Validator, f *notify.Fanout, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     store,
		validator: v,
		fanout:    f,
		metrics:   m,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// DetectAndPublish runs the detector over an observation and, when it
// flags, publishes a detected event. Returns the event when published.
func (p *Pipeline) DetectAndPublish(ctx context.Context, obs events.Observation) (*events.Detected, detector.Result, error) {
	res := detector.Detect(obs.Current.InexactFloat64(), obs.Original.InexactFloat64(), obs.HistoryFloats())
	if !res.IsAnomaly {
		return nil, res, nil
	}

	ev := events.NewDetected(obs, res, time.Now())
	fields, err := events.Fields(ev.ID, ev, ev.ObservedAt)
	if err != nil {
		return nil, res, err
	}
	entryID, err := p.store.Append(ctx, p.cfg.Streams.Detected, fields)
	if err != nil {
		return nil, res, fmt.Errorf("publish detected event: %w", err)
	}

	p.logger.Info().
		Str("event_id", ev.ID).
		Str("entry_id", entryID).
		Str("product_id", obs.ProductID).
		Str("anomaly_type", string(res.Type)).
		Float64("confidence", res.Confidence).
		Msg("anomaly published")
	return &ev, res, nil
}

// ValidationHandler is the stage-A entry handler: decode, confirm, and
// publish confirmed glitches.
func (p *Pipeline) ValidationHandler() consumer.Handler {
	return func(ctx context.Context, entry broker.Entry) error {
		ev, err := events.DecodeDetected(entry.Fields)
		if err != nil {
			return err
		}

		glitch, confirmed, err := p.validator.Confirm(ctx, ev)
		if err != nil {
			return fmt.Errorf("validate %s: %w", ev.ID, err)
		}
		if p.metrics != nil {
			p.metrics.ObserveVerdict(confirmed)
		}
		if !confirmed {
			return nil
		}

		fields, err := events.Fields(glitch.ID, glitch, glitch.ConfirmedAt)
		if err != nil {
			return err
		}
		if _, err := p.store.Append(ctx, p.cfg.Streams.Confirmed, fields); err != nil {
			return fmt.Errorf("publish confirmed glitch: %w", err)
		}
		return nil
	}
}

// NotificationHandler is the stage-B entry handler: decode and fan out.
func (p *Pipeline) NotificationHandler() consumer.Handler {
	return func(ctx context.Context, entry broker.Entry) error {
		glitch, err := events.DecodeGlitch(entry.Fields)
		if err != nil {
			return err
		}

		results, err := p.fanout.Notify(ctx, glitch)
		if p.metrics != nil {
			for _, r := range results {
				p.metrics.ObserveSend(r.Channel, r.Success)
			}
		}
		if err != nil {
			return fmt.Errorf("fan out %s: %w", glitch.ID, err)
		}
		return nil
	}
}

// Run starts both stage consumers and blocks until ctx is cancelled or
// one of them fails fatally.
func (p *Pipeline) Run(ctx context.Context) error {
	base := consumer.Config{
		BatchSize:    p.cfg.Consumers.BatchSize,
		PollInterval: p.cfg.Consumers.PollInterval,
		MaxRetries:   p.cfg.Consumers.MaxRetries,
	}

	validationCfg := base
	validationCfg.Stream = p.cfg.Streams.Detected
	validationCfg.CursorKey = CursorValidation
	validation, err := consumer.New(validationCfg, p.store, p.ValidationHandler(), p.logger)
	if err != nil {
		return err
	}

	notificationCfg := base
	notificationCfg.Stream = p.cfg.Streams.Confirmed
	notificationCfg.CursorKey = CursorNotification
	notification, err := consumer.New(notificationCfg, p.store, p.NotificationHandler(), p.logger)
	if err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.WatchDeadLetters(p.store, p.cfg.Streams.Detected, p.cfg.Streams.Confirmed)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return validation.Run(gctx) })
	g.Go(func() error { return notification.Run(gctx) })
	return g.Wait()
}
