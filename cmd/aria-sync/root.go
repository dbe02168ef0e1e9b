package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ariaaba/ariasync/internal/app"
	"github.com/ariaaba/ariasync/internal/config"
	"github.com/ariaaba/ariasync/internal/session"
	"github.com/ariaaba/ariasync/internal/telemetry"
)

const defaultWizardURL = "aria://wizard"

type rootOptions struct {
	home       string
	storage    string
	remote     string
	token      string
	wizardURL  string
	assessment string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "aria-sync",
		Short:         "Offline-first sync for assessment wizard step data",
		Long:          `aria-sync resolves the active assessment, reads and writes wizard steps through the local cache and the remote step store, and runs the legacy storage sweep.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.home, "home", envOrDefault("ARIA_HOME", ""), "aria home directory (config.yaml, local cache)")
	flags.StringVar(&opts.storage, "storage", "", "local storage DSN (sqlite://, file://, memory://)")
	flags.StringVar(&opts.remote, "remote", "", "remote step store DSN (https://, postgres://, memory://)")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("ARIA_REMOTE_TOKEN")), "bearer token for an http remote")
	flags.StringVar(&opts.wizardURL, "url", envOrDefault("ARIA_WIZARD_URL", defaultWizardURL), "wizard URL the assessment is resolved from")
	flags.StringVar(&opts.assessment, "assessment", "", "assessment id, overrides the id in --url")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newSweepCmd(opts),
		newResolveCmd(opts),
		newStepsCmd(),
		newGetCmd(opts),
		newSetCmd(opts),
		newWatchCmd(opts),
		newFollowCmd(opts),
		newGenerateCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	home := o.home
	if home == "" {
		home = config.HomeDir()
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, err
	}
	if o.storage != "" {
		cfg.StorageDSN = o.storage
	}
	if o.remote != "" {
		cfg.RemoteDSN = o.remote
	}
	if o.token != "" {
		cfg.RemoteToken = o.token
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	// Each invocation is a new process, so the local cache must outlive it.
	if cfg.StorageDSN == "memory://" {
		cfg.StorageDSN = "sqlite://" + filepath.Join(cfg.HomeDir, "local.db")
	}
	return cfg, nil
}

func (o *rootOptions) navigator() (*session.URLNavigator, error) {
	raw := o.wizardURL
	if raw == "" {
		raw = defaultWizardURL
	}
	if o.assessment != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --url: %w", err)
		}
		q := u.Query()
		q.Set(session.QueryParam, strings.TrimSpace(o.assessment))
		u.RawQuery = q.Encode()
		raw = u.String()
	}
	return session.NewURLNavigator(raw)
}

// openApp builds the app handle for one command. Notifications go to the
// command's stderr.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	nav, err := o.navigator()
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat, "aria-sync")
	errOut := cmd.ErrOrStderr()
	return app.Open(cmd.Context(), app.Options{
		Config:    cfg,
		Logger:    logger,
		Navigator: nav,
		Notify: func(level slog.Level, message string) {
			fmt.Fprintf(errOut, "[%s] %s\n", strings.ToLower(level.String()), message)
		},
	})
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
