package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/enrollctl/internal/adapters/messaging/httpbridge"
	"github.com/bnema/enrollctl/internal/adapters/notify/telegram"
	statusadapter "github.com/bnema/enrollctl/internal/adapters/render/status"
	tomlrepo "github.com/bnema/enrollctl/internal/adapters/repo/toml"
	chainstore "github.com/bnema/enrollctl/internal/adapters/secrets/chain"
	filestore "github.com/bnema/enrollctl/internal/adapters/secrets/file"
	passstore "github.com/bnema/enrollctl/internal/adapters/secrets/pass"
	"github.com/bnema/enrollctl/internal/adapters/wake/daily"
	"github.com/bnema/enrollctl/internal/adapters/wake/fswatch"
	"github.com/bnema/enrollctl/internal/application"
	"github.com/bnema/enrollctl/internal/logx"
	"github.com/bnema/enrollctl/internal/ports"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

const envPrefix = "ENROLLCTL"

type app struct {
	cfg        *viper.Viper
	store      *tomlrepo.Store
	registry   *application.Registry
	controller *application.Controller
	wake       *application.Signal
	log        zerolog.Logger
	logCloser  io.Closer

	bridgeURL        string
	sessionsRenderer func([]application.SessionStatus, statusadapter.RenderOptions) (string, error)
	summaryRenderer  func(application.Summary, statusadapter.RenderOptions) (string, error)
	now              func() time.Time
}

func wireApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:  cfg.GetString("log.level"),
		Format: cfg.GetString("log.format"),
		File:   cfg.GetString("log.file"),
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("wire logger: %w", err)
	}

	clock := ports.SystemClock{}
	store, err := tomlrepo.NewStore(cfg, clock)
	if err != nil {
		return nil, fmt.Errorf("wire state store: %w", err)
	}

	secretStore, err := wireSecretStore(cfg, store.Dir())
	if err != nil {
		return nil, err
	}

	notifier, err := wireNotifier(cfg, log)
	if err != nil {
		return nil, err
	}

	bridgeURL := strings.TrimSpace(cfg.GetString("bridge.url"))
	dialer := httpbridge.Dialer{
		BaseURL:        bridgeURL,
		Token:          cfg.GetString("bridge.token"),
		HTTPClient:     http.DefaultClient,
		RequestTimeout: cfg.GetDuration("bridge.timeout"),
	}
	if perSecond := cfg.GetFloat64("bridge.rate_per_sec"); perSecond > 0 {
		dialer.Limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}

	wake := application.NewSignal()
	registry := application.NewRegistry(store.Identities(), secretStore, clock, wake, log)
	controller := application.NewController(application.ControllerDeps{
		Registry: registry,
		Sessions: store.Sessions(),
		Stops:    store.Sessions(),
		Dialer:   dialer,
		Notifier: notifier,
		Clock:    clock,
		Wake:     wake,
		Log:      log,
	})

	return &app{
		cfg:              cfg,
		store:            store,
		registry:         registry,
		controller:       controller,
		wake:             wake,
		log:              log,
		logCloser:        logCloser,
		bridgeURL:        bridgeURL,
		sessionsRenderer: statusadapter.RenderSessions,
		summaryRenderer:  statusadapter.RenderSummary,
		now:              time.Now,
	}, nil
}

// loadConfig layers .env, config.toml in the state dir and ENROLLCTL_* variables.
func loadConfig() (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := viper.New()
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	cfg.SetDefault("log.level", "info")
	cfg.SetDefault("log.format", logx.FormatConsole)
	cfg.SetDefault("bridge.timeout", 30*time.Second)
	cfg.SetDefault("secrets.backend", "chain")
	cfg.SetDefault("secrets.pass_prefix", "enrollctl")
	cfg.SetDefault("notify.telegram.rate_per_sec", 1)
	cfg.SetDefault("wake.schedule", daily.DefaultSchedule)

	stateDir, err := tomlrepo.ResolveStateDir(cfg)
	if err != nil {
		return nil, err
	}
	cfg.SetConfigFile(filepath.Join(stateDir, "config.toml"))
	if err := cfg.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return cfg, nil
}

func wireSecretStore(cfg *viper.Viper, stateDir string) (ports.SecretStore, error) {
	dir := cfg.GetString("secrets.dir")
	if dir == "" {
		dir = filepath.Join(stateDir, "secrets")
	}
	prefix := cfg.GetString("secrets.pass_prefix")

	switch backend := strings.ToLower(cfg.GetString("secrets.backend")); backend {
	case "file":
		return filestore.NewStore(dir), nil
	case "pass":
		return passstore.NewStore(prefix), nil
	case "chain", "":
		store, err := chainstore.NewPassFirstWithFileFallback(prefix, dir)
		if err != nil {
			return nil, fmt.Errorf("wire secret store chain: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported secrets.backend %q (want chain, pass or file)", backend)
	}
}

func wireNotifier(cfg *viper.Viper, log zerolog.Logger) (ports.Notifier, error) {
	token := cfg.GetString("notify.telegram.token")
	if token == "" {
		return ports.NopNotifier{}, nil
	}

	notifier, err := telegram.New(telegram.Config{
		Token:         token,
		ChatID:        cfg.GetInt64("notify.telegram.chat_id"),
		RatePerSecond: cfg.GetInt("notify.telegram.rate_per_sec"),
		APIURL:        cfg.GetString("notify.telegram.api_url"),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("wire telegram notifier: %w", err)
	}
	return notifier, nil
}

// startWakeSources runs the state-dir watcher and the daily rollover until ctx ends.
// Both are optional: a failure only costs wake latency, so it is logged.
func (a *app) startWakeSources(ctx context.Context) {
	watcher, err := fswatch.New(a.store.Dir(), tomlrepo.WakesController, a.wake, a.log)
	if err != nil {
		a.log.Warn().Err(err).Msg("state watcher disabled")
	} else {
		go func() {
			if err := watcher.Run(ctx); err != nil {
				a.log.Warn().Err(err).Msg("state watcher stopped")
			}
		}()
	}

	scheduler, err := daily.New(a.cfg.GetString("wake.schedule"), time.Local, a.wake, a.log)
	if err != nil {
		a.log.Warn().Err(err).Msg("daily wake disabled")
		return
	}
	go scheduler.Run(ctx)
}

func (a *app) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}
