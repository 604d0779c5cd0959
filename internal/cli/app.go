package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"larder/internal/browser"
	"larder/internal/config"
	"larder/internal/locale"
	"larder/internal/logging"
	"larder/internal/notify"
	"larder/internal/secret"
	"larder/internal/service"
	"larder/internal/store"
	"larder/internal/supplier"
	"larder/internal/suppliers/broadline"
	"larder/internal/suppliers/cashcarry"
)

// app is everything a command needs, built from the config file.
type app struct {
	cfg   *config.Config
	store *store.Store
	box   *secret.Box
	svc   *service.Service
}

// launcher is swapped out by tests.
var launcher browser.Launcher = browser.RodLauncher{}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	pretty, _ := cmd.Flags().GetBool("pretty")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	logging.Init(cfg.Debug, pretty || cfg.PrettyLogs)

	if err := locale.Init(cfg.LocaleDir); err != nil {
		log.Warn().Err(err).Msg("Locale initialization failed, using default English")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	box, err := secret.NewBox(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w (set secret_key or LARDER_SECRET_KEY)", err)
	}
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	notifiers := notify.Fanout{notify.Log{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second))
	}

	registry := supplier.NewRegistry()
	broadline.Register(registry)
	cashcarry.Register(registry)

	svc := service.New(service.Options{
		Config:   cfg,
		Store:    st,
		Registry: registry,
		Launcher: launcher,
		Notifier: notifiers,
		Box:      box,
	})
	return &app{cfg: cfg, store: st, box: box, svc: svc}, nil
}

func (a *app) Close() {
	a.svc.Wait()
	if err := a.store.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to close database")
	}
}

// withApp runs fn with a wired app and a context cancelled on SIGINT or
// SIGTERM, so an interrupted run still tears its browser down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
