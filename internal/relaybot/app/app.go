package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tickrelay.com/internal/feed/binance"
	"tickrelay.com/internal/notify"
	"tickrelay.com/internal/quote"
	"tickrelay.com/internal/relay"
	"tickrelay.com/internal/relaybot/config"
	rhttp "tickrelay.com/internal/relaybot/http"
	"tickrelay.com/internal/tap"
	"tickrelay.com/internal/tap/ws"
	"tickrelay.com/internal/telegram"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/ratelimit"
	"tickrelay.com/pkg/trace"
	"tickrelay.com/pkg/xredis"
)

type App struct {
	cfg    *config.Config
	bot    *tgbotapi.BotAPI
	ctrl   *relay.Controller
	router *telegram.Router
	srv    *http.Server

	stopJanitors context.CancelFunc
	// released in reverse order after the controller has drained
	closers []func(context.Context) error
}

// New connects every dependency cfg enables. On error whatever was already
// opened is closed.
func New(ctx context.Context, cfg *config.Config) (a *App, err error) {
	a = &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	if cfg.Trace.Enabled {
		shutdown, terr := trace.InitTrace(cfg.Service.Name, cfg.Trace.Endpoint)
		if terr != nil {
			return a, terr
		}
		a.closers = append(a.closers, shutdown)
	}

	if err = a.startBot(); err != nil {
		return a, err
	}

	jctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopJanitors = stop

	breakers := ratelimit.NewManager(ratelimit.Rule{}, map[string]ratelimit.Rule{
		"notify": {
			Timeout:                 cfg.Notify.Breaker.Timeout,
			TripConsecutiveFailures: cfg.Notify.Breaker.ConsecutiveFailures,
		},
	})

	var tickLimits *ratelimit.Store
	if cfg.Notify.RatePerSec > 0 {
		tickLimits = ratelimit.NewStore(rate.Limit(cfg.Notify.RatePerSec), cfg.Notify.Burst, 30*time.Minute)
		tickLimits.StartJanitor(jctx, time.Minute)
	}
	sink := notify.New(telegram.NewSink(a.bot), tickLimits, breakers)

	source := binance.NewSource(binance.Config{
		BaseURL:        cfg.Feed.BaseURL,
		Kind:           cfg.Feed.Stream,
		ConnectTimeout: cfg.Feed.ConnectTimeout,
		IdleTimeout:    cfg.Feed.IdleTimeout,
		ReadLimit:      cfg.Feed.ReadLimit,
	})

	opts := []relay.Option{relay.WithNotifyOnEnd(cfg.Relay.NotifyOnEnd)}

	if cfg.Redis.Enabled {
		rdb, rerr := xredis.NewRedis(ctx, &xredis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if rerr != nil {
			return a, rerr
		}
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		opts = append(opts, relay.WithGuard(xredis.NewLease(rdb, cfg.Redis.LeaseTTL)))
	}

	var broker tap.Broker
	switch {
	case cfg.Nats.Enabled:
		nb, nerr := tap.NewNatsBroker(cfg.Nats.URL)
		if nerr != nil {
			return a, nerr
		}
		broker = nb
	case cfg.Tap.Websocket:
		broker = tap.NewMemBroker()
	}
	if broker != nil {
		a.closers = append(a.closers, func(context.Context) error { return broker.Close() })
		opts = append(opts, relay.WithPublisher(tap.NewPublisher(broker)))
	}

	a.ctrl = relay.NewController(source, sink, opts...)
	quotes := quote.NewClient(quote.Config{BaseURL: cfg.Feed.RestURL, Timeout: cfg.Feed.QuoteTimeout}, breakers)
	// replies go through the breaker but never the tick limiter
	a.router = telegram.NewRouter(a.ctrl, quotes, sink)

	deps := rhttp.Deps{
		ServiceName: cfg.Service.Name,
		Registry:    a.ctrl.Registry(),
	}
	if cfg.Tap.Websocket {
		ts := ws.NewServer(jctx, broker)
		ts.MaxSymbols = cfg.Tap.MaxSymbols
		deps.Ticks = ts
	}
	if cfg.Telegram.Mode == config.ModeWebhook {
		hookLimits := ratelimit.NewStore(rate.Limit(cfg.HTTP.RateLimit), cfg.HTTP.Burst, 10*time.Minute)
		hookLimits.StartJanitor(jctx, time.Minute)
		deps.Limits = hookLimits
		deps.Webhook = a.router
		deps.WebhookSecret = cfg.Telegram.Secret
	}
	a.srv = rhttp.NewRouter(cfg.HTTP.Addr, deps)

	url := ""
	if cfg.Telegram.Mode == config.ModeWebhook {
		url = cfg.Telegram.WebhookURL
	}
	if err = telegram.RegisterWebhook(a.bot, url); err != nil {
		return a, err
	}
	return a, nil
}

func (a *App) startBot() error {
	tc := a.cfg.Telegram
	endpoint := tc.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	// long polls must not hit the client timeout
	client := &http.Client{Timeout: tc.PollTimeout + 10*time.Second}

	_ = tgbotapi.SetLogger(zap.NewStdLog(logger.Log.Named("tgbotapi")))
	bot, err := tgbotapi.NewBotAPIWithClient(tc.Token, endpoint, client)
	if err != nil {
		return err
	}
	bot.Debug = tc.Debug
	a.bot = bot
	logger.Info(context.Background(), "telegram bot authorized", zap.String("username", bot.Self.UserName))
	return nil
}

// Run serves until ctx ends or a component fails, then shuts down in order:
// intake, HTTP, relay workers, external clients.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(gctx, "http server listening", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.cfg.Telegram.Mode == config.ModePolling {
		g.Go(func() error {
			return telegram.Poll(gctx, a.bot, a.router, int(a.cfg.Telegram.PollTimeout/time.Second))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Relay.ShutdownTimeout)
	defer cancel()
	logger.Info(ctx, "shutting down")

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.ctrl.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	a.close(ctx)
	return errors.Join(errs...)
}

func (a *App) close(ctx context.Context) {
	if a.stopJanitors != nil {
		a.stopJanitors()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn(ctx, "close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
