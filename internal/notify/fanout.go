package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/events"
)

// ErrNoDelivery means every channel attempt failed. The dedup marker is
// still written, so a consumer retry will no-op instead of spamming.
var ErrNoDelivery = errors.New("notify: no channel delivered")

// DefaultDedupTTL bounds how long a glitch id suppresses re-sends.
const DefaultDedupTTL = 24 * time.Hour

// Fanout coordinates dedup, eligibility, and concurrent channel sends for
// confirmed glitches.
type Fanout struct {
	store       broker.Broker
	subscribers SubscriberSource
	channels    map[string]Channel
	ttl         time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	sent    int64
	failed  int64
	skipped int64
}

// NewFanout wires the fan-out. Channels are keyed by name; a subscriber
// target for an unregistered channel is ignored.
func NewFanout(store broker.Broker, subscribers SubscriberSource, channels []Channel, ttl time.Duration, logger zerolog.Logger) *Fanout {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Fanout{
		store:       store,
		subscribers: subscribers,
		channels:    byName,
		ttl:         ttl,
		logger:      logger.With().Str("component", "fanout").Logger(),
	}
}

func dedupKey(glitchID string) string {
	return "notify:glitch:" + glitchID
}

// Counters reports sent/failed/skipped totals for the metrics endpoint.
func (f *Fanout) Counters() (sent, failed, skipped int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent, f.failed, f.skipped
}

// Notify fans a glitch out to every eligible subscriber across their
// enabled channels. The second and later calls for the same glitch id
// within the TTL window are idempotent no-ops. Aggregate success requires
// at least one real delivery.
func (f *Fanout) Notify(ctx context.Context, glitch events.Glitch) ([]Result, error) {
	key := dedupKey(glitch.ID)

	seen, err := f.store.HasMarker(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check dedup marker: %w", err)
	}
	if seen {
		f.mu.Lock()
		f.skipped++
		f.mu.Unlock()
		f.logger.Debug().Str("glitch_id", glitch.ID).Msg("glitch already notified; skipping")
		return nil, nil
	}

	subs, err := f.subscribers.Eligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("load eligible subscribers: %w", err)
	}

	type task struct {
		channel Channel
		target  string
	}
	var tasks []task
	for _, sub := range subs {
		if !Matches(sub.Prefs, glitch) {
			continue
		}
		for name, target := range sub.Targets {
			ch, ok := f.channels[name]
			if !ok || target == "" {
				continue
			}
			tasks = append(tasks, task{channel: ch, target: target})
		}
	}

	// Settle-all: every send runs to completion; one channel's failure
	// never blocks another's attempt. Bounded by channel x recipient.
	// Sends ride a detached context so an in-flight delivery finishes
	// during shutdown; each channel client bounds its own transport.
	sendCtx := context.WithoutCancel(ctx)
	results := make([]Result, len(tasks))
	var g errgroup.Group
	for i, tk := range tasks {
		i, tk := i, tk
		g.Go(func() error {
			results[i] = tk.channel.Send(sendCtx, glitch, tk.target)
			return nil
		})
	}
	_ = g.Wait()

	// The marker is written whatever the sends did, so a retried entry
	// cannot double-notify.
	if err := f.store.SetMarker(ctx, key, f.ttl); err != nil {
		f.logger.Error().Err(err).Str("glitch_id", glitch.ID).Msg("failed to write dedup marker")
	}

	delivered := 0
	for _, r := range results {
		if r.Success {
			delivered++
		} else if r.Err != nil {
			f.logger.Warn().Err(r.Err).
				Str("glitch_id", glitch.ID).
				Str("channel", r.Channel).
				Msg("channel send failed")
		}
	}

	f.mu.Lock()
	f.sent += int64(delivered)
	f.failed += int64(len(results) - delivered)
	f.mu.Unlock()

	if len(tasks) > 0 && delivered == 0 {
		return results, fmt.Errorf("%w: %d attempts", ErrNoDelivery, len(results))
	}

	f.logger.Info().
		Str("glitch_id", glitch.ID).
		Int("attempts", len(results)).
		Int("delivered", delivered).
		Msg("glitch fanned out")
	return results, nil
}
