package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/detector"
	"github.com/clduab11/priceslash/internal/events"
	"github.com/clduab11/priceslash/internal/router"
)

type scriptedClient struct {
	content string
	err     error
	models  []string
}

func (s *scriptedClient) Complete(_ context.Context, req router.CompletionRequest) (router.Response, error) {
	s.models = append(s.models, req.Model)
	if s.err != nil {
		return router.Response{}, s.err
	}
	return router.Response{Content: s.content, Model: req.Model}, nil
}

func newTestValidator(t *testing.T, client router.CompletionClient) *Validator {
	t.Helper()
	catalog := []router.ModelConfig{
		{ID: "std", Weight: 10, Tier: router.TierStandard},
		{ID: "sota", Weight: 10, Tier: router.TierSota},
	}
	r, err := router.New(catalog, client, router.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return New(r, Options{ConfidenceFloor: 60}, zerolog.Nop())
}

func detected(current, original float64) events.Detected {
	obs := events.Observation{
		ProductID: "p1",
		Title:     "4K TV",
		Retailer:  "megamart",
		Category:  "electronics",
		Current:   decimal.NewFromFloat(current),
		Original:  decimal.NewFromFloat(original),
	}
	res := detector.Detect(current, original, nil)
	return events.NewDetected(obs, res, time.Now())
}

func TestConfirmAccepts(t *testing.T) {
	client := &scriptedClient{content: `{"legit": true, "confidence": 88, "reasoning": "way below market"}`}
	v := newTestValidator(t, client)

	g, ok, err := v.Confirm(context.Background(), detected(40, 100))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !ok {
		t.Fatal("a legit high-confidence verdict should confirm")
	}
	if g.Confidence != 88 || g.ProductID != "p1" {
		t.Fatalf("unexpected glitch %+v", g)
	}
	if !g.ProfitMargin.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("profit margin should be 60, got %s", g.ProfitMargin)
	}
}

func TestConfirmRejectsCleanly(t *testing.T) {
	client := &scriptedClient{content: `{"legit": false, "confidence": 90, "reasoning": "seasonal sale"}`}
	v := newTestValidator(t, client)

	_, ok, err := v.Confirm(context.Background(), detected(40, 100))
	if err != nil {
		t.Fatalf("a clean rejection is not an error: %v", err)
	}
	if ok {
		t.Fatal("legit=false must not confirm")
	}
}

func TestConfirmRejectsLowConfidence(t *testing.T) {
	client := &scriptedClient{content: `{"legit": true, "confidence": 30, "reasoning": "unsure"}`}
	v := newTestValidator(t, client)

	_, ok, err := v.Confirm(context.Background(), detected(40, 100))
	if err != nil || ok {
		t.Fatalf("confidence below the floor must reject cleanly, ok=%v err=%v", ok, err)
	}
}

func TestConfirmPropagatesModelFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("upstream down")}
	v := newTestValidator(t, client)

	_, _, err := v.Confirm(context.Background(), detected(40, 100))
	if err == nil {
		t.Fatal("a failed completion must propagate for retry")
	}
}

func TestConfirmEscalatesDecimalError(t *testing.T) {
	client := &scriptedClient{content: `{"legit": true, "confidence": 95, "reasoning": "decimal slip"}`}
	v := newTestValidator(t, client)

	// 0.99 vs 99.00 is a decimal-error signature; the call must ride the
	// sota tier.
	_, ok, err := v.Confirm(context.Background(), detected(0.99, 99.00))
	if err != nil || !ok {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
	if len(client.models) == 0 || client.models[0] != "sota" {
		t.Fatalf("decimal errors must escalate to the sota tier, models %v", client.models)
	}
}

func TestParseVerdictFenced(t *testing.T) {
	vd, err := parseVerdict("```json\n{\"legit\":true,\"confidence\":70,\"reasoning\":\"x\"}\n```")
	if err != nil {
		t.Fatalf("fenced JSON should parse: %v", err)
	}
	if !vd.Legit || vd.Confidence != 70 {
		t.Fatalf("unexpected verdict %+v", vd)
	}
}
