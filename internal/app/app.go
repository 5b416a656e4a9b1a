// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/incident-medic/api/openapi"
	"github.com/bissquit/incident-medic/internal/alerts"
	"github.com/bissquit/incident-medic/internal/alerts/mattermost"
	"github.com/bissquit/incident-medic/internal/config"
	"github.com/bissquit/incident-medic/internal/coordinator"
	"github.com/bissquit/incident-medic/internal/domain"
	"github.com/bissquit/incident-medic/internal/events"
	"github.com/bissquit/incident-medic/internal/incidents"
	incidentsbadger "github.com/bissquit/incident-medic/internal/incidents/badger"
	incidentsmemory "github.com/bissquit/incident-medic/internal/incidents/memory"
	incidentspostgres "github.com/bissquit/incident-medic/internal/incidents/postgres"
	"github.com/bissquit/incident-medic/internal/ingest"
	"github.com/bissquit/incident-medic/internal/pkg/auth"
	"github.com/bissquit/incident-medic/internal/pkg/badgerdb"
	"github.com/bissquit/incident-medic/internal/pkg/ctxlog"
	"github.com/bissquit/incident-medic/internal/pkg/httputil"
	"github.com/bissquit/incident-medic/internal/pkg/metrics"
	"github.com/bissquit/incident-medic/internal/pkg/postgres"
	"github.com/bissquit/incident-medic/internal/providers/deploy"
	"github.com/bissquit/incident-medic/internal/providers/playbook"
	"github.com/bissquit/incident-medic/internal/providers/reasoning"
	"github.com/bissquit/incident-medic/internal/resilience"
	"github.com/bissquit/incident-medic/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const metricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config *config.Config
	logger *slog.Logger

	pool     *pgxpool.Pool
	badgerDB *badgerdb.DB
	ping     func(ctx context.Context) error

	publisher   *events.Publisher
	store       *incidents.Store
	coordinator *coordinator.Coordinator
	sweeper     *coordinator.Sweeper
	alertWorker *alerts.Worker

	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance. It opens the incident store,
// recovers incidents interrupted by a previous run and starts background workers.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	a := &App{config: cfg, logger: logger}

	bgCtx, bgCancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
	a.bgCancel = bgCancel

	if err := a.init(bgCtx); err != nil {
		a.abort()
		return nil, err
	}
	return a, nil
}

// abort releases whatever init managed to start.
func (a *App) abort() {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.coordinator != nil {
		_ = a.coordinator.Shutdown(context.Background())
	}
	if a.alertWorker != nil {
		a.alertWorker.Stop()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	a.bgCancel()
	_ = a.closeStorage()
}

func (a *App) init(ctx context.Context) error {
	cfg := a.config

	repo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}

	a.store = incidents.NewStore(repo)
	warmed, err := a.store.Warm(ctx)
	if err != nil {
		return fmt.Errorf("warm incident store: %w", err)
	}

	a.publisher = events.NewPublisher(events.Config{
		BufferSize:     cfg.Publisher.BufferSize,
		OverflowPolicy: events.OverflowPolicy(cfg.Publisher.OverflowPolicy),
	})

	diagnosisPolicy, err := newPolicy("diagnosis", cfg.Resilience.Diagnosis)
	if err != nil {
		return err
	}
	remediationPolicy, err := newPolicy("remediation", cfg.Resilience.Remediation)
	if err != nil {
		return err
	}

	reasoner, err := newReasoningProvider(cfg.Reasoning)
	if err != nil {
		return err
	}
	deployer, err := newDeployer(cfg.Deploy, cfg.Reasoning.MaxPatchLines)
	if err != nil {
		return err
	}

	a.coordinator, err = coordinator.New(coordinator.Deps{
		Store:             a.store,
		Publisher:         a.publisher,
		Reasoning:         reasoner,
		Deployer:          deployer,
		DiagnosisPolicy:   diagnosisPolicy,
		RemediationPolicy: remediationPolicy,
	}, coordinator.Config{
		CircuitOpenPolicy: coordinator.CircuitOpenPolicy(cfg.Coordinator.CircuitOpenPolicy),
		AutoRemediate:     cfg.Coordinator.AutoRemediate,
		MinConfidence:     cfg.Coordinator.MinConfidence,
		HistoryLimit:      cfg.Coordinator.HistoryLimit,
	})
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	// Alerts subscribe before recovery so reverted incidents are seen.
	if cfg.Alerts.Enabled {
		if err := a.startAlerts(ctx); err != nil {
			return err
		}
	}

	recovered, err := a.coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover incidents: %w", err)
	}
	a.logger.Info("incident store ready",
		"driver", cfg.Database.Driver,
		"active", warmed,
		"recovered", recovered,
		"reasoning", reasoner.Name(),
		"deploy", cfg.Deploy.Provider,
	)

	if cfg.Coordinator.RetriggerSchedule != "" {
		a.sweeper, err = coordinator.NewSweeper(a.coordinator, cfg.Coordinator.RetriggerSchedule)
		if err != nil {
			return fmt.Errorf("create sweeper: %w", err)
		}
		if err := a.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	go a.collectMetrics(ctx)

	var validator httputil.TokenValidator
	if cfg.Auth.Enabled {
		validator, err = auth.NewAuthenticator(auth.Config{
			SecretKey:     cfg.Auth.SecretKey,
			Issuer:        cfg.Auth.Issuer,
			TokenDuration: cfg.Auth.TokenDuration,
		})
		if err != nil {
			return fmt.Errorf("create authenticator: %w", err)
		}
	} else {
		a.logger.Warn("auth is disabled: operator routes are open")
	}

	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           a.setupRouter(validator),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

func (a *App) openRepository(ctx context.Context) (incidents.Repository, error) {
	cfg := a.config.Database

	switch cfg.Driver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		pool, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.ping = pool.Ping

		if cfg.AutoMigrate {
			if err := postgres.MigrateUp(cfg.URL); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		return incidentspostgres.NewRepository(pool), nil

	case config.DriverBadger:
		db, err := badgerdb.Open(badgerdb.Config{
			Path:           cfg.Badger.Path,
			InMemory:       cfg.Badger.InMemory,
			SyncWrites:     cfg.Badger.SyncWrites,
			GCInterval:     cfg.Badger.GCInterval,
			GCDiscardRatio: cfg.Badger.GCDiscardRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		a.badgerDB = db
		a.ping = func(context.Context) error {
			if db.IsClosed() {
				return errors.New("badger is closed")
			}
			return nil
		}
		return incidentsbadger.NewRepository(db), nil

	default:
		return incidentsmemory.NewRepository(), nil
	}
}

func newPolicy(name string, cfg config.CallConfig) (*resilience.Policy, error) {
	breaker, err := resilience.NewBreaker(name, cfg.Breaker(), nil)
	if err != nil {
		return nil, fmt.Errorf("create %s breaker: %w", name, err)
	}
	policy, err := resilience.NewPolicy(name, cfg.Retry(), breaker)
	if err != nil {
		return nil, fmt.Errorf("create %s policy: %w", name, err)
	}
	return policy, nil
}

func newReasoningProvider(cfg config.ReasoningConfig) (coordinator.ReasoningProvider, error) {
	switch cfg.Provider {
	case config.ReasoningOpenAI:
		provider, err := reasoning.NewOpenAI(reasoning.Config{
			APIKey:        cfg.OpenAI.APIKey,
			Model:         cfg.OpenAI.Model,
			BaseURL:       cfg.OpenAI.BaseURL,
			Temperature:   cfg.OpenAI.Temperature,
			MaxPatchLines: cfg.MaxPatchLines,
		})
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		return provider, nil
	default:
		provider, err := playbook.New(cfg.PlaybooksFile)
		if err != nil {
			return nil, fmt.Errorf("load playbooks: %w", err)
		}
		return provider, nil
	}
}

func newDeployer(cfg config.DeployConfig, maxPatchLines int) (coordinator.PatchDeployer, error) {
	if cfg.Provider != config.DeployWebhook {
		return deploy.NewDryRun(maxPatchLines), nil
	}
	webhook, err := deploy.NewWebhook(deploy.Config{
		URL:           cfg.URL,
		Token:         cfg.Token,
		RateLimit:     cfg.RateLimit,
		Burst:         cfg.Burst,
		Timeout:       cfg.Timeout,
		MaxPatchLines: maxPatchLines,
	})
	if err != nil {
		return nil, fmt.Errorf("create deploy webhook: %w", err)
	}
	return webhook, nil
}

func (a *App) startAlerts(ctx context.Context) error {
	cfg := a.config.Alerts

	sender, err := mattermost.NewSender(mattermost.Config{
		WebhookURL: cfg.Mattermost.WebhookURL,
		Username:   cfg.Mattermost.Username,
		IconURL:    cfg.Mattermost.IconURL,
		Channel:    cfg.Mattermost.Channel,
		Timeout:    cfg.Mattermost.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create mattermost sender: %w", err)
	}

	renderer, err := alerts.NewRenderer()
	if err != nil {
		return fmt.Errorf("create alert renderer: %w", err)
	}

	policy, err := newPolicy("alerts", a.config.Resilience.Alerts)
	if err != nil {
		return err
	}

	a.alertWorker = alerts.NewWorker(
		alerts.WorkerConfig{IncidentURL: cfg.IncidentURL},
		a.publisher,
		a.coordinator,
		renderer,
		sender,
		policy,
	)
	a.alertWorker.Start(ctx)
	return nil
}

// Run starts the HTTP servers and blocks until one of them fails or both are shut down.
func (a *App) Run() error {
	var g errgroup.Group

	g.Go(func() error {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("starting server",
			"host", a.config.Server.Host,
			"port", a.config.Server.Port,
		)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Shutdown stops accepting requests, cancels running flows, drains the alert
// worker and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error

	var g errgroup.Group
	g.Go(func() error {
		if err := a.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	// Flows revert their incidents on cancellation; the alert worker must
	// still be subscribed to see those transitions.
	if err := a.coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown coordinator: %w", err))
	}

	if a.alertWorker != nil {
		a.alertWorker.Stop()
	}
	a.publisher.Close()
	a.bgCancel()

	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.badgerDB != nil {
		if err := a.badgerDB.Close(); err != nil {
			return fmt.Errorf("close badger: %w", err)
		}
	}
	return nil
}

func (a *App) collectMetrics(ctx context.Context) {
	a.recordMetrics()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordMetrics() {
	if a.pool != nil {
		metrics.RecordDBPoolMetrics(a.pool)
	}
	metrics.RecordOpenIncidents(a.store.OpenCount())
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Coordinator returns the incident coordinator. Used in tests to wait for flows.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

func (a *App) setupRouter(validator httputil.TokenValidator) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware("/api/v1/stream", "/api/v1/ws"))

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		_, _ = w.Write(openapi.Spec)
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(docsPage))
	})

	ingestHandler := ingest.NewHandler(a.coordinator, a.config.Ingest.FaultCodes)
	incidentsHandler := coordinator.NewHandler(a.coordinator)
	streamHandler := events.NewStreamHandler(a.publisher, a.config.CORS.AllowedOrigins)

	r.Route("/api/v1", func(r chi.Router) {
		// Streams live as long as the client stays connected.
		streamHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			ingestHandler.RegisterRoutes(r)
			incidentsHandler.RegisterRoutes(r)

			r.Group(func(r chi.Router) {
				if validator != nil {
					r.Use(httputil.AuthMiddleware(validator))
					r.Use(httputil.RequireRole(domain.RoleOperator))
				}
				incidentsHandler.RegisterOperatorRoutes(r)
			})
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.ping == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
    <title>Incident Medic API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`
