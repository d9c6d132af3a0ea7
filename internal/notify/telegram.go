package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clduab11/priceslash/internal/events"
)

// Telegram 通过 Telegram Bot API 推送消息；target 是接收者的 chat_id。
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegram 构造 Telegram 通道。
func NewTelegram(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *Telegram {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

func (t *Telegram) Name() string { return ChannelTelegram }

// Send 调用 sendMessage API 推送文本。
func (t *Telegram) Send(ctx context.Context, glitch events.Glitch, target string) Result {
	res := Result{Channel: ChannelTelegram, Recipient: target, SentAt: time.Now().UTC()}

	payload := map[string]string{
		"chat_id": target,
		"text":    renderText(glitch),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		res.Err = fmt.Errorf("marshal telegram payload: %w", err)
		return res
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("create telegram request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("send telegram request: %w", err)
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Err = fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
		return res
	}

	var reply struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err == nil && !reply.OK {
		res.Err = fmt.Errorf("telegram 返回 ok=false")
		return res
	}

	res.Success = true
	res.MessageID = strconv.FormatInt(reply.Result.MessageID, 10)
	t.logger.Info().Str("glitch_id", glitch.ID).Str("chat_id", target).Msg("告警已发送 (Telegram)")
	return res
}

var _ Channel = (*Telegram)(nil)
