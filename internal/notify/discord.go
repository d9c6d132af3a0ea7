package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clduab11/priceslash/internal/events"
)

// Discord posts glitch embeds to a per-recipient webhook URL.
type Discord struct {
	client *http.Client
	logger zerolog.Logger
}

// NewDiscord constructs the Discord channel.
func NewDiscord(timeout time.Duration, logger zerolog.Logger) *Discord {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Discord{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "notify_discord").Logger(),
	}
}

func (d *Discord) Name() string { return ChannelDiscord }

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
	Color       int    `json:"color"`
}

// Send posts a single-embed webhook message; target is the webhook URL.
func (d *Discord) Send(ctx context.Context, glitch events.Glitch, target string) Result {
	res := Result{Channel: ChannelDiscord, Recipient: target, SentAt: time.Now().UTC()}

	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title: fmt.Sprintf("%s: $%s (was $%s)", glitch.Title, glitch.Current.StringFixed(2), glitch.Original.StringFixed(2)),
			Description: fmt.Sprintf("%s | margin %s%% | confidence %.0f",
				glitch.Retailer, glitch.ProfitMargin.StringFixed(1), glitch.Confidence),
			URL:   glitch.URL,
			Color: 0xE74C3C,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("marshal discord payload: %w", err)
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create discord request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("send discord request: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("discord webhook status %d", resp.StatusCode)
		return res
	}

	res.Success = true
	res.MessageID = uuid.NewString()
	d.logger.Info().Str("glitch_id", glitch.ID).Msg("glitch posted to discord webhook")
	return res
}

var _ Channel = (*Discord)(nil)
