// Package events defines the payloads that travel on the detected and
// confirmed streams. The stream layer treats payloads as opaque JSON; only
// the producers and handlers in this package interpret them.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/detector"
)

// Field names every stream entry carries alongside the serialized payload.
const (
	FieldPayload = "payload"
	FieldEventID = "event_id"
	FieldTS      = "ts"
)

// ErrMalformedPayload marks an entry whose payload cannot be decoded. The
// consumer skips such entries instead of retrying them.
var ErrMalformedPayload = errors.New("events: malformed payload")

// Observation is a single scraped product price point. Produced by the
// extraction front-end; immutable input to detection.
type Observation struct {
	ProductID string            `json:"product_id"`
	Title     string            `json:"title"`
	URL       string            `json:"url"`
	Retailer  string            `json:"retailer"`
	Category  string            `json:"category"`
	Current   decimal.Decimal   `json:"current_price"`
	Original  decimal.Decimal   `json:"original_price"`
	History   []decimal.Decimal `json:"history"`
}

// HistoryFloats converts the price history for the detector boundary.
func (o Observation) HistoryFloats() []float64 {
	out := make([]float64, len(o.History))
	for i, v := range o.History {
		out[i] = v.InexactFloat64()
	}
	return out
}

// Detected is published to the detected stream when the detector flags an
// observation.
type Detected struct {
	ID         string          `json:"id"`
	ProductID  string          `json:"product_id"`
	Title      string          `json:"title"`
	URL        string          `json:"url"`
	Retailer   string          `json:"retailer"`
	Category   string          `json:"category"`
	Current    decimal.Decimal `json:"current_price"`
	Original   decimal.Decimal `json:"original_price"`
	Detection  detector.Result `json:"detection"`
	ObservedAt time.Time       `json:"observed_at"`
}

// NewDetected stamps an observation with its detection result.
func NewDetected(obs Observation, res detector.Result, now time.Time) Detected {
	return Detected{
		ID:         uuid.NewString(),
		ProductID:  obs.ProductID,
		Title:      obs.Title,
		URL:        obs.URL,
		Retailer:   obs.Retailer,
		Category:   obs.Category,
		Current:    obs.Current,
		Original:   obs.Original,
		Detection:  res,
		ObservedAt: now.UTC(),
	}
}

// Glitch is a validator-confirmed anomaly, published to the confirmed
// stream and fanned out to subscribers.
type Glitch struct {
	ID           string          `json:"id"`
	DetectedID   string          `json:"detected_id"`
	ProductID    string          `json:"product_id"`
	Title        string          `json:"title"`
	URL          string          `json:"url"`
	Retailer     string          `json:"retailer"`
	Category     string          `json:"category"`
	Current      decimal.Decimal `json:"current_price"`
	Original     decimal.Decimal `json:"original_price"`
	ProfitMargin decimal.Decimal `json:"profit_margin"`
	AnomalyType  string          `json:"anomaly_type"`
	Confidence   float64         `json:"confidence"`
	Verdict      string          `json:"verdict"`
	ConfirmedAt  time.Time       `json:"confirmed_at"`
}

// Fields serialises a payload into the field map a stream entry carries.
func Fields(id string, payload any, ts time.Time) (map[string]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return map[string]string{
		FieldPayload: string(raw),
		FieldEventID: id,
		FieldTS:      strconv.FormatInt(ts.UTC().UnixMilli(), 10),
	}, nil
}

// DecodeDetected extracts a Detected event from stream entry fields.
func DecodeDetected(fields map[string]string) (Detected, error) {
	var ev Detected
	if err := decodePayload(fields, &ev); err != nil {
		return Detected{}, err
	}
	if ev.ID == "" || ev.ProductID == "" {
		return Detected{}, fmt.Errorf("%w: missing id fields", ErrMalformedPayload)
	}
	return ev, nil
}

// DecodeGlitch extracts a confirmed Glitch from stream entry fields.
func DecodeGlitch(fields map[string]string) (Glitch, error) {
	var g Glitch
	if err := decodePayload(fields, &g); err != nil {
		return Glitch{}, err
	}
	if g.ID == "" {
		return Glitch{}, fmt.Errorf("%w: missing glitch id", ErrMalformedPayload)
	}
	return g, nil
}

func decodePayload(fields map[string]string, dst any) error {
	raw, ok := fields[FieldPayload]
	if !ok || raw == "" {
		return fmt.Errorf("%w: no payload field", ErrMalformedPayload)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
