package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clduab11/priceslash/internal/events"
)

// SMSOptions parameterise the HTTP SMS provider.
type SMSOptions struct {
	APIBase string
	APIKey  string
	From    string
	Timeout time.Duration
}

// SMS delivers a short glitch summary; target is the phone number.
type SMS struct {
	opts    SMSOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewSMS constructs the SMS channel.
func NewSMS(opts SMSOptions, logger zerolog.Logger) *SMS {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMS{
		opts:    opts,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "notify_sms").Logger(),
	}
}

func (s *SMS) Name() string { return ChannelSMS }

// Send posts a single message to the provider.
func (s *SMS) Send(ctx context.Context, glitch events.Glitch, target string) Result {
	res := Result{Channel: ChannelSMS, Recipient: target, SentAt: time.Now().UTC()}

	text := fmt.Sprintf("Glitch: %s $%s (was $%s) %s",
		glitch.Title, glitch.Current.StringFixed(2), glitch.Original.StringFixed(2), glitch.URL)

	payload := map[string]string{
		"from": s.opts.From,
		"to":   target,
		"body": text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("marshal sms payload: %w", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create sms request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("send sms request: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("sms api status %d", resp.StatusCode)
		return res
	}

	var reply struct {
		SID string `json:"sid"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)

	res.Success = true
	res.MessageID = reply.SID
	s.logger.Info().Str("glitch_id", glitch.ID).Msg("glitch sms sent")
	return res
}

var _ Channel = (*SMS)(nil)
