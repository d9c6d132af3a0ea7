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

// EmailOptions parameterise the HTTP email provider.
type EmailOptions struct {
	APIBase string
	APIKey  string
	From    string
	Timeout time.Duration
}

// Email sends glitch mail through an HTTP email API; target is the
// recipient address.
type Email struct {
	opts    EmailOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewEmail constructs the email channel.
func NewEmail(opts EmailOptions, logger zerolog.Logger) *Email {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Email{
		opts:    opts,
		baseURL: strings.TrimRight(opts.APIBase, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "notify_email").Logger(),
	}
}

func (e *Email) Name() string { return ChannelEmail }

// Send posts to the provider's send endpoint.
func (e *Email) Send(ctx context.Context, glitch events.Glitch, target string) Result {
	res := Result{Channel: ChannelEmail, Recipient: target, SentAt: time.Now().UTC()}

	payload := map[string]string{
		"from":    e.opts.From,
		"to":      target,
		"subject": fmt.Sprintf("Price glitch: %s at $%s", glitch.Title, glitch.Current.StringFixed(2)),
		"text":    renderText(glitch),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("marshal email payload: %w", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create email request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.opts.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("send email request: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("email api status %d", resp.StatusCode)
		return res
	}

	var reply struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&reply)

	res.Success = true
	res.MessageID = reply.ID
	e.logger.Info().Str("glitch_id", glitch.ID).Str("to", target).Msg("glitch mail sent")
	return res
}

var _ Channel = (*Email)(nil)
