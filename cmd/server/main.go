package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	alarmhttp "powermeter-cloud/internal/alarms/interfaces/http"
	"powermeter-cloud/internal/alarms/notify"
	"powermeter-cloud/internal/app"
	"powermeter-cloud/internal/audit"
	"powermeter-cloud/internal/auth"
	"powermeter-cloud/internal/config"
	"powermeter-cloud/internal/logging"
	devicehttp "powermeter-cloud/internal/masterdata/interfaces/http"
	"powermeter-cloud/internal/scheduler"
	telemetryhttp "powermeter-cloud/internal/telemetry/interfaces/http"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "optional config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger := logging.New("info", "json", "server")
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "server")
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer core.Close()

	jobs := scheduler.New(logger.With().Str("component", "scheduler").Logger())
	mustAdd(logger, jobs, scheduler.Job{Name: "quick-check", Spec: cfg.QuickCheckSchedule, Run: func(ctx context.Context) error {
		_, err := core.Engine.QuickCheckDevices(ctx)
		return err
	}})
	mustAdd(logger, jobs, scheduler.Job{Name: "alarm-cleanup", Spec: cfg.CleanupSchedule, Run: func(ctx context.Context) error {
		_, err := core.Engine.CleanupOldAlarms(ctx)
		return err
	}})
	if cfg.AlarmWebhookURL != "" {
		dispatcher := buildDispatcher(logger, core, cfg)
		mustAdd(logger, jobs, scheduler.Job{Name: "alarm-notify", Spec: cfg.NotifySchedule, Run: func(ctx context.Context) error {
			_, err := dispatcher.Run(ctx)
			return err
		}})
	} else {
		logger.Warn().Msg("ALARM_WEBHOOK_URL not set; alarm notifications disabled")
	}
	jobs.Start()
	defer jobs.Stop()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           buildRouter(logger, core, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exit")
	}
}

func buildRouter(logger zerolog.Logger, core *app.Core, cfg config.Config) http.Handler {
	alarmHandler, err := alarmhttp.NewHandler(core.Engine)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm handler init failed")
	}
	deviceHandler, err := devicehttp.NewHandler(core.Directory, core.Readings, audit.NewRepository(core.DB), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("device handler init failed")
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(core.Pipeline, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingest handler init failed")
	}
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), cfg.IngestMaxSkew)
	apiAuth := auth.NewMiddleware([]byte(cfg.JWTSecret), auth.NewDefaultPolicy(cfg.AuthExemptPaths, cfg.AuthExemptPrefixes))

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger(logger))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := core.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Group(func(r chi.Router) {
		r.Use(ingestAuth.Wrap)
		ingestHandler.Register(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(apiAuth.Wrap)
		alarmHandler.Register(r)
		deviceHandler.Register(r)
	})
	return r
}

func buildDispatcher(logger zerolog.Logger, core *app.Core, cfg config.Config) *notify.Dispatcher {
	channel, err := notify.NewWebhookChannel(cfg.AlarmWebhookURL, notify.WithHTTPClient(&http.Client{Timeout: cfg.AlarmNotifyTimeout}))
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm webhook init failed")
	}
	tpl, err := notify.NewTemplate(cfg.AlarmNotifyTemplate)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm template parse failed")
	}
	dispatcher, err := notify.NewDispatcher(core.Alarms, channel,
		notify.WithTemplate(tpl),
		notify.WithDevices(core.Devices),
		notify.WithLogger(logger.With().Str("component", "alarm-notify").Logger()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("alarm dispatcher init failed")
	}
	return dispatcher
}

func mustAdd(logger zerolog.Logger, jobs *scheduler.Scheduler, job scheduler.Job) {
	if err := jobs.Add(job); err != nil {
		logger.Fatal().Err(err).Str("job", job.Name).Msg("schedule job failed")
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
