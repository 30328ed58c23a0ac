// Package main runs a service that watches muusikoiden.net classifieds for
// saved search queries and sends new listings to Telegram chats.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	gcs "cloud.google.com/go/storage"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"tori-watcher/command"
	"tori-watcher/logger"
	"tori-watcher/notify"
	"tori-watcher/poll"
	"tori-watcher/scraper"
	"tori-watcher/server"
	"tori-watcher/storage"
	"tori-watcher/storage/sqlite"
	"tori-watcher/telegram"
)

const telegramPollTimeout = 30 * time.Second

type config struct {
	Port         string     `env:"PORT, default=8080"`
	TrustProxy   bool       `env:"TRUST_PROXY, default=false"`
	LoggerFormat string     `env:"LOGGER_FORMAT, default=json"`
	LogLevel     slog.Level `env:"LOG_LEVEL, default=info"`

	// Which query store to use: local, gcs or sqlite
	Store             string `env:"STORE, default=local"`
	LocalStorage      string `env:"LOCAL_STORAGE, default=./data"`
	StorageBucket     string `env:"STORAGE_BUCKET"`
	GoogleCredentials string `env:"GOOGLE_CREDENTIALS_JSON"`
	Database          string `env:"DATABASE, default=./data/watcher.db"`

	// Empty token runs with a mock notifier and no command listener
	TelegramToken        string        `env:"TELEGRAM_TOKEN"`
	TelegramAPI          string        `env:"TELEGRAM_API"`
	TelegramPollInterval time.Duration `env:"TELEGRAM_POLL_INTERVAL, default=5s"`

	SearchURL    string `env:"SEARCH_URL, default=https://muusikoiden.net/tori/haku.php"`
	SiteURL      string `env:"SITE_URL, default=https://muusikoiden.net"`
	SiteTimezone string `env:"SITE_TIMEZONE, default=Europe/Helsinki"`

	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL, default=60s"`
	QueryCooldown     time.Duration `env:"QUERY_COOLDOWN, default=1h"`
	RequestPacing     time.Duration `env:"REQUEST_PACING, default=1s"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT, default=30s"`
	MaxPages          int           `env:"MAX_PAGES, default=100"`
	RequestsPerMinute int           `env:"REQUESTS_PER_MINUTE, default=30"`
}

// queryStore is satisfied by every store implementation.
type queryStore interface {
	poll.Store
	command.Store
	server.Store
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		slog.Error("Failed to parse config", "error", err)
		os.Exit(1)
	}

	l := logger.New(os.Stdout, cfg.LoggerFormat, cfg.LogLevel)
	slog.SetDefault(l)

	if err := run(ctx, cfg, l); err != nil {
		l.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (config, error) {
	var cfg config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return cfg, fmt.Errorf("process env: %w", err)
	}
	if cfg.MaxPages <= 0 {
		return cfg, fmt.Errorf("MAX_PAGES must be positive, got %d", cfg.MaxPages)
	}
	if cfg.MonitorInterval <= 0 {
		return cfg, fmt.Errorf("MONITOR_INTERVAL must be positive, got %s", cfg.MonitorInterval)
	}
	return cfg, nil
}

// openStore builds the configured store and a func releasing its resources.
func openStore(ctx context.Context, cfg config, l *slog.Logger) (queryStore, func(), error) {
	switch cfg.Store {
	case "local":
		backend, err := storage.NewLocal(cfg.LocalStorage, l)
		if err != nil {
			return nil, nil, fmt.Errorf("create local backend: %w", err)
		}
		store, err := storage.Open(ctx, backend, l)
		if err != nil {
			return nil, nil, err
		}
		l.Info("Using local storage", "path", cfg.LocalStorage)
		return store, func() {}, nil

	case "gcs":
		if cfg.StorageBucket == "" {
			return nil, nil, errors.New("STORAGE_BUCKET required when STORE=gcs")
		}
		var opts []option.ClientOption
		if cfg.GoogleCredentials != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentials)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		closeClient := func() {
			if err := client.Close(); err != nil {
				l.Warn("Failed to close storage client", "error", err)
			}
		}
		store, err := storage.Open(ctx, storage.NewGCS(client, cfg.StorageBucket, l), l)
		if err != nil {
			closeClient()
			return nil, nil, err
		}
		l.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return store, closeClient, nil

	case "sqlite":
		if cfg.Database != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o700); err != nil {
				return nil, nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		store, err := sqlite.Open(ctx, cfg.Database, l)
		if err != nil {
			return nil, nil, err
		}
		l.Info("Using SQLite database", "path", cfg.Database)
		return store, func() {
			if err := store.Close(); err != nil {
				l.Warn("Failed to close database", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
}

func run(ctx context.Context, cfg config, l *slog.Logger) error {
	l.Info("Starting service",
		"store", cfg.Store,
		"search_url", cfg.SearchURL,
		"monitor_interval", cfg.MonitorInterval.String(),
		"query_cooldown", cfg.QueryCooldown.String(),
		"request_pacing", cfg.RequestPacing.String(),
		"telegram", cfg.TelegramToken != "")

	loc, err := time.LoadLocation(cfg.SiteTimezone)
	if err != nil {
		return fmt.Errorf("load site timezone: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	searcher, err := scraper.New(&http.Client{Timeout: cfg.FetchTimeout}, l, scraper.Config{
		Location:     loc,
		SearchURL:    cfg.SearchURL,
		SiteURL:      cfg.SiteURL,
		FetchTimeout: cfg.FetchTimeout,
		MaxPages:     cfg.MaxPages,
	})
	if err != nil {
		return fmt.Errorf("create scraper: %w", err)
	}

	var (
		provider notify.Provider
		bot      *telegram.Client
	)
	if cfg.TelegramToken == "" {
		l.Info("Mock notification mode enabled (no TELEGRAM_TOKEN)")
		provider = notify.NewMockProvider(l)
	} else {
		// Long polls hold the connection open for the poll timeout.
		bot, err = telegram.New(&http.Client{Timeout: telegramPollTimeout + 15*time.Second}, cfg.TelegramToken, cfg.TelegramAPI, l)
		if err != nil {
			return fmt.Errorf("create telegram client: %w", err)
		}
		provider = notify.NewTelegramProvider(bot)
	}
	sender := notify.New(provider, l, loc)

	scheduler := poll.New(searcher, store, sender, poll.Config{
		MonitorInterval: cfg.MonitorInterval,
		Cooldown:        cfg.QueryCooldown,
		Pacing:          cfg.RequestPacing,
	}, l)

	srv := server.New(&server.Config{
		Store:             store,
		Poller:            scheduler,
		Logger:            l,
		RequestsPerMinute: cfg.RequestsPerMinute,
		TrustProxy:        cfg.TrustProxy,
	}).HTTPServer(cfg.Port)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info("Starting HTTP server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()

		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			l.Error("Failed to shut down server", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run scheduler: %w", err)
		}
		return nil
	})
	if bot != nil {
		listener := command.NewListener(bot, command.NewHandler(store, l, loc), sender, command.ListenerConfig{
			PollTimeout:  telegramPollTimeout,
			PollInterval: cfg.TelegramPollInterval,
		}, l)
		g.Go(func() error {
			if err := listener.Run(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run command listener: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	l.Info("Service stopped")
	return nil
}
