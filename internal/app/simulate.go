package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/detector"
	"github.com/clduab11/priceslash/internal/events"
	"github.com/clduab11/priceslash/internal/validator"
)

// SimulateGlitch 使用给定价格走一遍完整的检测、验证与通知流程。
// 去重标记写入内存存储，不会污染线上 Redis。
func (a *App) SimulateGlitch(ctx context.Context, current, original decimal.Decimal, history []float64) error {
	res := detector.Detect(current.InexactFloat64(), original.InexactFloat64(), history)
	a.Logger.Info().
		Bool("is_anomaly", res.IsAnomaly).
		Str("anomaly_type", string(res.Type)).
		Float64("confidence", res.Confidence).
		Float64("discount_pct", res.DiscountPct).
		Float64("mad_score", res.MADScore).
		Float64("z_score", res.ZScore).
		Msg("detector result")
	if !res.IsAnomaly {
		return errors.New("给定价格未触发任何异常")
	}

	obs := events.Observation{
		ProductID: "simulated",
		Title:     "Simulated product",
		Retailer:  "simulated",
		Category:  "simulated",
		Current:   current,
		Original:  original,
	}
	for _, h := range history {
		obs.History = append(obs.History, decimal.NewFromFloat(h))
	}
	ev := events.NewDetected(obs, res, time.Now())

	rt, err := a.newRouter()
	if err != nil {
		return err
	}
	v := validator.New(rt, validator.Options{
		ConfidenceFloor: a.Config.Validation.ConfidenceFloor,
		Temperature:     a.Config.Validation.Temperature,
	}, a.Logger)

	glitch, confirmed, err := v.Confirm(ctx, ev)
	if err != nil {
		return err
	}
	if !confirmed {
		return errors.New("模型判定为非故障价格")
	}

	if len(a.newChannels()) == 0 {
		return errors.New("未配置任何通知通道")
	}
	subscribers, closeSubscribers, err := a.subscriberSource(ctx)
	if err != nil {
		return err
	}
	if closeSubscribers != nil {
		defer closeSubscribers()
	}

	fanout := a.newFanout(broker.NewMemory(), subscribers)
	results, err := fanout.Notify(ctx, glitch)
	for _, r := range results {
		a.Logger.Info().
			Str("channel", r.Channel).
			Str("recipient", r.Recipient).
			Bool("success", r.Success).
			Err(r.Err).
			Msg("simulated delivery")
	}
	return err
}
