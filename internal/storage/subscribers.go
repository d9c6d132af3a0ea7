package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/notify"
)

// The core reads subscribers; it never writes them. Account and billing
// management own these tables.
const eligibleSubscribersSQL = `SELECT
        s.id,
        COALESCE(p.min_profit_margin::text, '0'),
        COALESCE(p.categories, '{}'),
        COALESCE(p.retailers, '{}'),
        COALESCE(p.min_price::text, '0'),
        COALESCE(p.max_price::text, '0'),
        t.channel,
        t.target
    FROM subscribers s
    JOIN subscriptions sub
      ON sub.subscriber_id = s.id
     AND sub.status = 'active'
     AND sub.realtime_notifications
    LEFT JOIN notification_preferences p ON p.subscriber_id = s.id
    JOIN notification_targets t ON t.subscriber_id = s.id
    ORDER BY s.id;`

// SubscriberRepo reads eligible recipients and their preferences from
// PostgreSQL.
type SubscriberRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriberRepo wires a pgx pool into the repository.
func NewSubscriberRepo(pool *pgxpool.Pool) *SubscriberRepo {
	return &SubscriberRepo{pool: pool}
}

// Close releases the underlying pool resources.
func (r *SubscriberRepo) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Eligible returns active realtime subscribers with their preference
// filters and channel targets.
func (r *SubscriberRepo) Eligible(ctx context.Context) ([]notify.Subscriber, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("storage: pool not configured")
	}

	rows, err := r.pool.Query(ctx, eligibleSubscribersSQL)
	if err != nil {
		return nil, fmt.Errorf("query eligible subscribers: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*notify.Subscriber)
	var order []string

	for rows.Next() {
		var (
			id          string
			marginStr   string
			categories  []string
			retailers   []string
			minPriceStr string
			maxPriceStr string
			channel     string
			target      string
		)
		if err := rows.Scan(&id, &marginStr, &categories, &retailers, &minPriceStr, &maxPriceStr, &channel, &target); err != nil {
			return nil, fmt.Errorf("scan subscriber row: %w", err)
		}

		sub, ok := byID[id]
		if !ok {
			margin, err := decimal.NewFromString(marginStr)
			if err != nil {
				return nil, fmt.Errorf("parse min profit margin: %w", err)
			}
			minPrice, err := decimal.NewFromString(minPriceStr)
			if err != nil {
				return nil, fmt.Errorf("parse min price: %w", err)
			}
			maxPrice, err := decimal.NewFromString(maxPriceStr)
			if err != nil {
				return nil, fmt.Errorf("parse max price: %w", err)
			}
			sub = &notify.Subscriber{
				ID: id,
				Prefs: notify.Preferences{
					MinProfitMargin: margin,
					Categories:      categories,
					Retailers:       retailers,
					MinPrice:        minPrice,
					MaxPrice:        maxPrice,
				},
				Targets: make(map[string]string),
			}
			byID[id] = sub
			order = append(order, id)
		}
		if channel != "" && target != "" {
			sub.Targets[channel] = target
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	subs := make([]notify.Subscriber, 0, len(order))
	for _, id := range order {
		subs = append(subs, *byID[id])
	}
	return subs, nil
}

// SubscriberList is a static, config-backed subscriber source for
// single-box deployments and tests.
type SubscriberList struct {
	subs []notify.Subscriber
}

// NewSubscriberList copies the given subscribers.
func NewSubscriberList(subs []notify.Subscriber) *SubscriberList {
	copied := make([]notify.Subscriber, len(subs))
	copy(copied, subs)
	return &SubscriberList{subs: copied}
}

// Eligible returns the configured subscribers.
func (l *SubscriberList) Eligible(context.Context) ([]notify.Subscriber, error) {
	out := make([]notify.Subscriber, len(l.subs))
	copy(out, l.subs)
	return out, nil
}

var (
	_ notify.SubscriberSource = (*SubscriberRepo)(nil)
	_ notify.SubscriberSource = (*SubscriberList)(nil)
)
