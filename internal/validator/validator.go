// Package validator confirms or rejects detected anomalies by asking a
// routed AI model for a verdict.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/events"
	"github.com/clduab11/priceslash/internal/router"
)

const systemPrompt = "You are a pricing analyst. Given a flagged product price, decide whether it is a genuine price glitch (a mistake a retailer would honour reluctantly or cancel) rather than a normal sale, clearance, or data error. Respond with JSON only: {\"legit\": bool, \"confidence\": 0-100, \"reasoning\": string}."

// Options tune validation behaviour.
type Options struct {
	// ConfidenceFloor rejects verdicts below this 0-100 confidence.
	ConfidenceFloor int
	// Temperature for the completion call.
	Temperature float64
}

// Validator turns detected events into confirmed glitches.
type Validator struct {
	router *router.Router
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a validator over the router.
func New(r *router.Router, opts Options, logger zerolog.Logger) *Validator {
	if opts.ConfidenceFloor <= 0 {
		opts.ConfidenceFloor = 60
	}
	return &Validator{
		router: r,
		opts:   opts,
		logger: logger.With().Str("component", "validator").Logger(),
		now:    time.Now,
	}
}

type verdict struct {
	Legit      bool   `json:"legit"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Confirm asks a model whether the detection is a real glitch. The bool is
// false for a clean rejection; an error means the call itself failed and
// should be retried by the consumer.
func (v *Validator) Confirm(ctx context.Context, ev events.Detected) (events.Glitch, bool, error) {
	escalate := router.IsUnicorn(router.Signals{
		DiscountPct:   ev.Detection.DiscountPct,
		ZScore:        ev.Detection.ZScore,
		Price:         ev.Current.InexactFloat64(),
		OriginalPrice: ev.Original.InexactFloat64(),
		Confidence:    ev.Detection.Confidence,
		AnomalyType:   string(ev.Detection.Type),
	})

	prompt, err := buildPrompt(ev)
	if err != nil {
		return events.Glitch{}, false, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := v.router.Complete(ctx, router.Request{
		Messages: []router.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: v.opts.Temperature,
		ForceJSON:   true,
		Escalate:    escalate,
	})
	if err != nil {
		return events.Glitch{}, false, fmt.Errorf("model completion: %w", err)
	}

	vd, err := parseVerdict(resp.Content)
	if err != nil {
		// An unparseable verdict is a model-side failure, not a poison
		// entry; let the consumer retry it.
		return events.Glitch{}, false, fmt.Errorf("parse verdict from %s: %w", resp.Model, err)
	}

	if !vd.Legit || vd.Confidence < v.opts.ConfidenceFloor {
		v.logger.Info().
			Str("event_id", ev.ID).
			Str("model", resp.Model).
			Bool("legit", vd.Legit).
			Int("confidence", vd.Confidence).
			Msg("detection rejected")
		return events.Glitch{}, false, nil
	}

	v.logger.Info().
		Str("event_id", ev.ID).
		Str("model", resp.Model).
		Bool("escalated", escalate).
		Int("confidence", vd.Confidence).
		Int("tokens", resp.Usage.TotalTokens).
		Msg("glitch confirmed")

	return events.Glitch{
		ID:           uuid.NewString(),
		DetectedID:   ev.ID,
		ProductID:    ev.ProductID,
		Title:        ev.Title,
		URL:          ev.URL,
		Retailer:     ev.Retailer,
		Category:     ev.Category,
		Current:      ev.Current,
		Original:     ev.Original,
		ProfitMargin: profitMargin(ev.Current, ev.Original),
		AnomalyType:  string(ev.Detection.Type),
		Confidence:   float64(vd.Confidence),
		Verdict:      vd.Reasoning,
		ConfirmedAt:  v.now().UTC(),
	}, true, nil
}

func buildPrompt(ev events.Detected) (string, error) {
	facts, err := json.Marshal(map[string]any{
		"title":          ev.Title,
		"retailer":       ev.Retailer,
		"category":       ev.Category,
		"current_price":  ev.Current,
		"original_price": ev.Original,
		"discount_pct":   ev.Detection.DiscountPct,
		"anomaly_type":   ev.Detection.Type,
		"mad_score":      ev.Detection.MADScore,
		"z_score":        ev.Detection.ZScore,
		"det_confidence": ev.Detection.Confidence,
	})
	if err != nil {
		return "", err
	}
	return string(facts), nil
}

func parseVerdict(content string) (verdict, error) {
	// Some models wrap JSON in a code fence despite the response format.
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")

	var vd verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &vd); err != nil {
		return verdict{}, err
	}
	return vd, nil
}

// profitMargin is the resale headroom as a percentage of the original
// price, rounded to 2 places.
func profitMargin(current, original decimal.Decimal) decimal.Decimal {
	if original.IsZero() || original.Sign() <= 0 {
		return decimal.Zero
	}
	hundred := decimal.NewFromInt(100)
	return original.Sub(current).Div(original).Mul(hundred).Round(2)
}
