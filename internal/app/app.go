// Package app wires configuration into a ready Widget: the session store
// backend, the REST client, the realtime channel and the optional event
// sink.
package app

import (
	"context"
	"errors"
	"io"
	"time"

	"livechat-widget/internal/config"
	"livechat-widget/internal/infrastructure/amqp"
	"livechat-widget/internal/infrastructure/kafka"
	"livechat-widget/internal/infrastructure/redis"
	"livechat-widget/internal/realtime"
	"livechat-widget/internal/store"
	"livechat-widget/internal/transport"
	"livechat-widget/internal/widget"

	"github.com/rs/zerolog"
)

const pingTimeout = 3 * time.Second

type App struct {
	Widget  *widget.Widget
	Store   *store.Store
	API     *transport.Client
	Channel *realtime.Channel

	log     zerolog.Logger
	closers []io.Closer
}

// New builds every component from cfg. Extra widget options (a presenter,
// a clock) are applied after the wiring done here.
func New(cfg *config.Config, logger zerolog.Logger, opts ...widget.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{log: logger.With().Str("component", "app").Logger()}

	backend := a.storeBackend(cfg)
	a.Store = store.New(cfg.ProjectKey, backend, store.WithLogger(logger))
	a.API = transport.New(cfg.APIURL, transport.WithLogger(logger))
	a.Channel = realtime.New(realtime.Config{
		BaseURL:      cfg.WSURL,
		BaseDelay:    cfg.Realtime.BaseDelay,
		MaxAttempts:  cfg.Realtime.MaxAttempts,
		PingInterval: cfg.Realtime.PingInterval,
		DialTimeout:  cfg.Realtime.HandshakeTimeout,
	},
		realtime.WithDialer(realtime.WebsocketDialer{HandshakeTimeout: cfg.Realtime.HandshakeTimeout}),
		realtime.WithLogger(logger),
	)

	widgetOpts := []widget.Option{widget.WithLogger(logger)}
	if publisher := a.publisher(cfg, logger); publisher != nil {
		widgetOpts = append(widgetOpts, widget.WithPublisher(publisher))
	}
	widgetOpts = append(widgetOpts, opts...)

	a.Widget = widget.New(widget.Config{
		ProjectKey:       cfg.ProjectKey,
		Language:         cfg.Widget.Language,
		TypingTimeout:    cfg.Widget.TypingTimeout,
		TypingInterval:   cfg.Widget.TypingInterval,
		MaxFileSize:      cfg.Widget.MaxFileSize,
		AllowedFileTypes: cfg.Widget.AllowedFileTypes,
	}, a.Store, a.API, a.Channel, widgetOpts...)
	return a, nil
}

// storeBackend falls back to memory when redis is unreachable; the widget
// keeps working without persistence.
func (a *App) storeBackend(cfg *config.Config) store.Backend {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryBackend()
	case "redis":
		client := redis.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Store.TTL)
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			a.log.Warn().Err(err).Str("host", cfg.Redis.Host).Msg("Redis connection failed, using memory store")
			_ = client.Close()
			return store.NewMemoryBackend()
		}
		a.log.Info().Str("host", cfg.Redis.Host).Msg("Redis connection successful")
		a.closers = append(a.closers, client)
		return client
	default:
		return store.NewFileBackend(cfg.Store.Path)
	}
}

func (a *App) publisher(cfg *config.Config, logger zerolog.Logger) widget.Publisher {
	switch cfg.Events.Driver {
	case "kafka":
		producer := kafka.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		a.closers = append(a.closers, producer)
		return producer
	case "amqp":
		publisher, err := amqp.New(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			a.log.Warn().Err(err).Msg("AMQP unavailable, widget events disabled")
			return nil
		}
		a.closers = append(a.closers, publisher)
		return publisher
	}
	return nil
}

// Close destroys the widget and releases the backends it used.
func (a *App) Close() error {
	a.Widget.Destroy()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
