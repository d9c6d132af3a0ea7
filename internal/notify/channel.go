// Package notify delivers confirmed glitches to subscribers across
// notification channels, with time-boxed deduplication per glitch.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/events"
)

// Channel names. A subscriber's target map is keyed by these.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
)

// Result is the outcome of one channel send attempt.
type Result struct {
	Channel   string
	Recipient string
	Success   bool
	MessageID string
	Err       error
	SentAt    time.Time
}

// Channel delivers one glitch to one recipient target. Implementations
// must honour ctx and bound their own transport timeouts.
type Channel interface {
	Name() string
	Send(ctx context.Context, glitch events.Glitch, target string) Result
}

// Preferences filter which glitches a subscriber wants to hear about.
type Preferences struct {
	MinProfitMargin decimal.Decimal
	// Categories is an allow-list; empty admits everything.
	Categories []string
	// Retailers is an allow-list; empty admits everything.
	Retailers []string
	MinPrice  decimal.Decimal
	// MaxPrice of zero means unbounded.
	MaxPrice decimal.Decimal
}

// Subscriber is an eligible recipient: active subscription with realtime
// entitlement, read from the subscriber store.
type Subscriber struct {
	ID    string
	Prefs Preferences
	// Targets maps channel name to that channel's destination (chat id,
	// webhook URL, address, phone number).
	Targets map[string]string
}

// SubscriberSource is the read contract against the subscriber store.
type SubscriberSource interface {
	Eligible(ctx context.Context) ([]Subscriber, error)
}

// Matches reports whether a glitch passes a subscriber's filters.
func Matches(p Preferences, g events.Glitch) bool {
	if g.ProfitMargin.LessThan(p.MinProfitMargin) {
		return false
	}
	if len(p.Categories) > 0 && !containsFold(p.Categories, g.Category) {
		return false
	}
	if len(p.Retailers) > 0 && !containsFold(p.Retailers, g.Retailer) {
		return false
	}
	if g.Current.LessThan(p.MinPrice) {
		return false
	}
	if p.MaxPrice.Sign() > 0 && g.Current.GreaterThan(p.MaxPrice) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// renderText is the shared plain-text rendering used by the text-first
// channels.
func renderText(g events.Glitch) string {
	b := strings.Builder{}
	b.WriteString("[PriceSlash Glitch]\n")
	b.WriteString(fmt.Sprintf("%s @ %s\n", g.Title, g.Retailer))
	b.WriteString(fmt.Sprintf("Now: $%s (was $%s)\n", g.Current.StringFixed(2), g.Original.StringFixed(2)))
	b.WriteString(fmt.Sprintf("Margin: %s%% | Confidence: %.0f\n", g.ProfitMargin.StringFixed(1), g.Confidence))
	if g.URL != "" {
		b.WriteString(g.URL + "\n")
	}
	return b.String()
}
