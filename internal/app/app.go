// Package app owns the process-wide handles of one wizard client: local and
// session storage, the remote store, the active session and telemetry. It is
// opened once at start and closed at exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ariaaba/ariasync/internal/config"
	"github.com/ariaaba/ariasync/internal/legacy"
	"github.com/ariaaba/ariasync/internal/otel"
	"github.com/ariaaba/ariasync/internal/safestore"
	"github.com/ariaaba/ariasync/internal/session"
	"github.com/ariaaba/ariasync/internal/stepstore"
	"github.com/ariaaba/ariasync/internal/stepsync"
	"github.com/ariaaba/ariasync/internal/textgen"
)

// Notifier shows a short user-facing message, e.g. a save error toast.
type Notifier func(level slog.Level, message string)

type Options struct {
	Config     config.Config
	Logger     *slog.Logger
	Navigator  session.Navigator
	HTTPClient *http.Client
	Notify     Notifier
	// Remote overrides the store built from Config.RemoteDSN.
	Remote stepstore.AssessmentStore
}

type App struct {
	Config         config.Config
	Logger         *slog.Logger
	Local          *safestore.Storage
	SessionStorage *safestore.Storage
	Remote         stepstore.AssessmentStore
	Session        *session.Session
	Sweeper        *legacy.Sweeper
	Telemetry      *otel.Provider
	Metrics        *otel.Metrics
	Notify         Notifier

	closers []io.Closer
}

func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Notify: opts.Notify}
	if a.Notify == nil {
		a.Notify = func(level slog.Level, message string) {
			logger.Log(context.Background(), level, message, "notify", true)
		}
	}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		provider = otel.Noop()
	}
	a.Telemetry = provider
	if metrics, err := otel.NewMetrics(provider.Meter); err == nil {
		a.Metrics = metrics
	} else {
		logger.Warn("metrics disabled", "error", err)
	}

	backend, err := safestore.BuildBackendFromDSN(cfg.StorageDSN)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open local storage: %w", err)
	}
	a.track(backend)
	a.Local = safestore.New(backend, logger.With("component", "safestore"))
	a.SessionStorage = safestore.NewSessionStorage(logger.With("component", "session-storage"))

	remote := opts.Remote
	if remote == nil {
		remote, err = stepstore.BuildStoreFromDSN(cfg.RemoteDSN, cfg.RemoteToken, opts.HTTPClient)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		a.track(remote)
	}
	a.Remote = remote

	a.Sweeper = &legacy.Sweeper{
		Local:   a.Local,
		Session: a.SessionStorage,
		Logger:  logger.With("component", "legacy"),
	}
	a.Session, err = session.New(session.Options{
		Remote:    remote,
		Storage:   a.Local,
		Navigator: opts.Navigator,
		Logger:    logger.With("component", "session"),
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Start runs the legacy sweep and then resolves the active assessment.
func (a *App) Start(ctx context.Context) (legacy.Report, error) {
	report := a.Sweeper.Run()
	if err := a.Session.Init(ctx); err != nil {
		a.Notify(slog.LevelError, "Could not open an assessment. Check your connection.")
		return report, err
	}
	return report, nil
}

// TextGen builds the generation client configured for this app.
func (a *App) TextGen(ctx context.Context) (*textgen.Client, error) {
	var provider textgen.Provider
	switch a.Config.TextGen.Provider {
	case "http":
		if a.Config.TextGen.Endpoint == "" {
			return nil, errors.New("textgen endpoint is required for the http provider")
		}
		provider = textgen.NewHTTPProvider(a.Config.TextGen.Endpoint, a.Config.RemoteToken, nil)
	case "anthropic", "":
		p, err := textgen.NewGenkitProvider(ctx, a.Config.TextGen.APIKey, a.Config.TextGen.Model)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("unsupported textgen provider %q", a.Config.TextGen.Provider)
	}
	client := textgen.NewClient(provider, a.Logger.With("component", "textgen"))
	client.MaxRetries = a.Config.TextGen.MaxRetries
	if d := a.Config.TextGenTimeout(); d > 0 {
		client.Timeout = d
	}
	for section, d := range a.Config.SectionTimeouts() {
		client.SectionTimeouts[section] = d
	}
	client.Tracer = a.Telemetry.Tracer
	client.Metrics = a.Metrics
	return client, nil
}

// NewSynchronizer builds a synchronizer for stepKey bound to the active
// assessment, with the configured timings and telemetry. Save errors are
// reported through Notify once until the next successful save.
func NewSynchronizer[T any](a *App, stepKey string, def T, onChange func(stepsync.Status, T)) (*stepsync.Synchronizer[T], error) {
	// OnChange runs on the caller's goroutine and on the debounce timer's.
	var (
		mu       sync.Mutex
		notified bool
	)
	return session.NewSynchronizer(a.Session, stepsync.Options[T]{
		StepKey:   stepKey,
		Default:   def,
		Debounce:  a.Config.Debounce(),
		SavedHold: a.Config.SavedHold(),
		Logger:    a.Logger.With("component", "stepsync"),
		Tracer:    a.Telemetry.Tracer,
		Metrics:   a.Metrics,
		OnChange: func(status stepsync.Status, value T) {
			mu.Lock()
			first := false
			switch status {
			case stepsync.StatusError:
				first = !notified
				notified = true
			case stepsync.StatusSaved:
				notified = false
			}
			mu.Unlock()
			if first {
				a.Notify(slog.LevelWarn, "Save error. Your changes are kept on this device.")
			}
			if onChange != nil {
				onChange(status, value)
			}
		},
	})
}

// Close releases storage and store handles and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.Telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) track(v any) {
	if closer, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
}
