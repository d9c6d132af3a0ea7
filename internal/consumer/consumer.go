// Package consumer is the generic at-least-once stream consumer both
// pipeline stages run on. Entries are processed strictly in order; a
// transiently failing entry blocks the rest of its batch until it succeeds
// or exhausts its retry budget and is dead-lettered.
//
// Failure tallies live in process memory only. A restart resets an entry's
// retry count while the cursor persists, so the max-retry bound holds only
// within a single process lifetime.
//
// Exactly one consumer may run per (stream, cursor key) pair; that is a
// deployment rule, not something this package enforces.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/events"
)

// Handler processes one stream entry. Returning an error wrapping
// events.ErrMalformedPayload skips the entry; any other error counts as
// transient and is retried.
type Handler func(ctx context.Context, entry broker.Entry) error

// Config parameterises one consumer instance.
type Config struct {
	Stream       string
	CursorKey    string
	BatchSize    int64
	PollInterval time.Duration
	MaxRetries   int
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("consumer: stream is required")
	}
	if c.CursorKey == "" {
		return fmt.Errorf("consumer: cursor key is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("consumer: batch size must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("consumer: poll interval must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("consumer: max retries must be positive")
	}
	return nil
}

// Consumer drives the read-process-advance loop for one stage.
type Consumer struct {
	cfg     Config
	store   broker.Broker
	handler Handler
	logger  zerolog.Logger

	// tallies maps entry id to consecutive failure count. Process-local.
	tallies map[string]int

	deadLettered atomic.Int64
}

// New constructs a consumer. Config must be valid.
func New(cfg Config, store broker.Broker, handler Handler, logger zerolog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || handler == nil {
		return nil, fmt.Errorf("consumer: broker and handler are required")
	}
	return &Consumer{
		cfg:     cfg,
		store:   store,
		handler: handler,
		logger: logger.With().
			Str("component", "consumer").
			Str("stream", cfg.Stream).
			Logger(),
		tallies: make(map[string]int),
	}, nil
}

// DeadLettered reports how many entries this instance has dead-lettered.
func (c *Consumer) DeadLettered() int64 {
	return c.deadLettered.Load()
}

// Run blocks until ctx is cancelled. Cancellation is checked at the poll
// sleep and between entries; an in-flight handler always finishes so the
// cursor and processing state cannot diverge.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().
		Str("cursor_key", c.cfg.CursorKey).
		Int64("batch_size", c.cfg.BatchSize).
		Dur("poll_interval", c.cfg.PollInterval).
		Msg("consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.logger.Error().Err(err).Msg("poll cycle failed")
		}

		if err := c.sleep(ctx); err != nil {
			return err
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	cursor, err := c.store.Cursor(ctx, c.cfg.CursorKey)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	if cursor == "" {
		cursor = broker.StartID
	}

	entries, err := c.store.Read(ctx, c.cfg.Stream, cursor, c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.processEntry(ctx, entry) {
			// Retain the cursor; the same entry leads the next batch.
			return nil
		}
	}
	return nil
}

// processEntry returns false when the batch must stop without advancing.
func (c *Consumer) processEntry(ctx context.Context, entry broker.Entry) bool {
	err := c.handler(ctx, entry)
	if err == nil {
		delete(c.tallies, entry.ID)
		c.advance(ctx, entry.ID)
		return true
	}

	if errors.Is(err, events.ErrMalformedPayload) {
		// Poison entries must not stall the stream.
		c.logger.Warn().Err(err).Str("entry_id", entry.ID).Msg("skipping malformed entry")
		delete(c.tallies, entry.ID)
		c.advance(ctx, entry.ID)
		return true
	}

	c.tallies[entry.ID]++
	tally := c.tallies[entry.ID]

	if tally < c.cfg.MaxRetries {
		c.logger.Warn().Err(err).
			Str("entry_id", entry.ID).
			Int("attempt", tally).
			Int("max_retries", c.cfg.MaxRetries).
			Msg("transient failure; will retry")
		return false
	}

	if !c.deadLetter(ctx, entry, err) {
		// The tally stays at the limit, so the next cycle retries the
		// dead-letter write itself rather than the handler.
		return false
	}
	delete(c.tallies, entry.ID)
	c.advance(ctx, entry.ID)
	return true
}

// deadLetter returns false when the dead-letter write failed; the cursor
// must not advance past an entry that has no durable record.
func (c *Consumer) deadLetter(ctx context.Context, entry broker.Entry, cause error) bool {
	dl := broker.DeadLetter{
		Stream:   c.cfg.Stream,
		EntryID:  entry.ID,
		Payload:  entry.Fields[events.FieldPayload],
		Reason:   cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	if err := c.store.PushDead(ctx, dl); err != nil {
		c.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to write dead letter")
		return false
	}
	c.deadLettered.Add(1)
	c.logger.Error().
		Str("entry_id", entry.ID).
		Str("reason", cause.Error()).
		Msg("entry dead-lettered after retry budget exhausted")
	return true
}

func (c *Consumer) advance(ctx context.Context, id string) {
	if err := c.store.SetCursor(ctx, c.cfg.CursorKey, id); err != nil {
		// The entry will be reprocessed next cycle; at-least-once holds.
		c.logger.Error().Err(err).Str("entry_id", id).Msg("failed to advance cursor")
	}
}

func (c *Consumer) sleep(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
