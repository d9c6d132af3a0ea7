package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/config"
	"github.com/clduab11/priceslash/internal/metrics"
	"github.com/clduab11/priceslash/internal/notify"
	"github.com/clduab11/priceslash/internal/router"
	"github.com/clduab11/priceslash/internal/service"
	"github.com/clduab11/priceslash/internal/storage"
	"github.com/clduab11/priceslash/internal/validator"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openBroker(ctx context.Context) (*broker.Redis, error) {
	return broker.NewRedis(ctx, broker.RedisOptions{
		Addr:      a.Config.Redis.Addr,
		Password:  a.Config.Redis.Password,
		DB:        a.Config.Redis.DB,
		OpTimeout: a.Config.Redis.OpTimeout,
	})
}

func (a *App) newRouter() (*router.Router, error) {
	client, err := router.NewHTTPClient(router.HTTPClientOptions{
		BaseURL:   a.Config.Router.Endpoint.BaseURL,
		APIKey:    a.Config.Router.Endpoint.APIKey,
		Timeout:   a.Config.Router.Endpoint.Timeout,
		UserAgent: a.Config.Router.Endpoint.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	return router.New(a.Config.Router.Models, client, router.Options{
		CircuitThreshold: a.Config.Router.CircuitThreshold,
		ErrorCooldown:    a.Config.Router.ErrorCooldown,
	}, a.Logger)
}

func (a *App) newChannels() []notify.Channel {
	timeout := a.Config.Notifications.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var channels []notify.Channel
	if cfg := a.Config.Notifications.Telegram; cfg.Enabled {
		channels = append(channels, notify.NewTelegram(cfg.BotToken, cfg.APIBase, timeout, a.Logger))
	}
	if a.Config.Notifications.Discord.Enabled {
		channels = append(channels, notify.NewDiscord(timeout, a.Logger))
	}
	if cfg := a.Config.Notifications.Email; cfg.Enabled {
		channels = append(channels, notify.NewEmail(notify.EmailOptions{
			APIBase: cfg.APIBase,
			APIKey:  cfg.APIKey,
			From:    cfg.From,
			Timeout: timeout,
		}, a.Logger))
	}
	if cfg := a.Config.Notifications.SMS; cfg.Enabled {
		channels = append(channels, notify.NewSMS(notify.SMSOptions{
			APIBase: cfg.APIBase,
			APIKey:  cfg.APIKey,
			From:    cfg.From,
			Timeout: timeout,
		}, a.Logger))
	}
	return channels
}

// subscriberSource prefers the subscriber database; deployments without
// one fall back to statically configured subscribers.
func (a *App) subscriberSource(ctx context.Context) (notify.SubscriberSource, func(), error) {
	if a.Config.Database.DSN != "" {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewSubscriberRepo(pool), pool.Close, nil
	}

	subs := make([]notify.Subscriber, 0, len(a.Config.Subscribers))
	for _, s := range a.Config.Subscribers {
		subs = append(subs, s.ToSubscriber())
	}
	if len(subs) == 0 {
		a.Logger.Warn().Msg("no subscriber database and no static subscribers configured")
	}
	return storage.NewSubscriberList(subs), nil, nil
}

func (a *App) newFanout(store broker.Broker, subscribers notify.SubscriberSource) *notify.Fanout {
	ttl := a.Config.Notifications.DedupTTL
	if ttl <= 0 {
		ttl = notify.DefaultDedupTTL
	}
	return notify.NewFanout(store, subscribers, a.newChannels(), ttl, a.Logger)
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.RequireRun(); err != nil {
		return err
	}

	store, err := a.openBroker(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	subscribers, closeSubscribers, err := a.subscriberSource(ctx)
	if err != nil {
		return err
	}
	if closeSubscribers != nil {
		defer closeSubscribers()
	}

	rt, err := a.newRouter()
	if err != nil {
		return err
	}
	v := validator.New(rt, validator.Options{
		ConfidenceFloor: a.Config.Validation.ConfidenceFloor,
		Temperature:     a.Config.Validation.Temperature,
	}, a.Logger)

	var m *metrics.Metrics
	if a.Config.Metrics.Enabled {
		m = metrics.New()
		m.WatchRouter(rt)
	}

	pipeline := service.New(a.Config, store, v, a.newFanout(store, subscribers), m, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(gctx) })
	if m != nil {
		g.Go(func() error { return a.serveMetrics(gctx, m) })
	}

	a.Logger.Info().
		Str("detected_stream", a.Config.Streams.Detected).
		Str("confirmed_stream", a.Config.Streams.Confirmed).
		Msg("starting pipeline service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("pipeline service stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Listen, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	a.Logger.Info().Str("listen", a.Config.Metrics.Listen).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
