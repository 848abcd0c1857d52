package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/admission"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/api"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/call"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/calllog"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/config"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/database"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/metrics"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/notify"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/screening"
	"github.com/lcarne/incoming-call-only-launcher-sub000/internal/settings"
	sipserver "github.com/lcarne/incoming-call-only-launcher-sub000/internal/sip"
)

// retentionInterval is how often old call log entries are pruned.
const retentionInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("callkiosk exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("callkiosk stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting callkiosk",
		"http_addr", cfg.HTTPListenAddr(),
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"registration", cfg.RegistrationEnabled(),
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return fmt.Errorf("decoding jwt secret: %w", err)
	}

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	sysConfig, err := database.NewSystemConfigRepository(appCtx, db)
	if err != nil {
		return fmt.Errorf("loading system config: %w", err)
	}
	store := settings.NewStore(sysConfig)
	if err := bootstrapPIN(appCtx, store, cfg.AdminPIN, logger); err != nil {
		return err
	}

	contacts := database.NewContactRepository(db)
	callLog := database.NewCallLogRepository(db)

	// Caretaker alerts are optional.
	var observers []calllog.Observer
	var notifier *notify.Notifier
	if cfg.FCMCredentials != "" {
		sender, err := notify.NewFCMSender(appCtx, cfg.FCMCredentials, logger)
		if err != nil {
			return fmt.Errorf("creating fcm sender: %w", err)
		}
		notifier = notify.NewNotifier(sender, cfg.Tokens(), notify.DefaultLimiterConfig(), logger)
		observers = append(observers, notifier)
		logger.Info("caretaker alerts enabled", "tokens", len(cfg.Tokens()))
	} else {
		logger.Info("no fcm credentials configured, caretaker alerts disabled")
	}

	writer := calllog.NewWriter(callLog, contacts, logger, observers...)
	policy := admission.NewPolicy(contacts, store, logger)

	manager := call.NewManager(policy, writer, logger,
		call.WithAdmissionTimeout(cfg.AdmissionTimeout),
		call.WithSpeakerDefaults(store),
	)
	managerCtx, stopManager := context.WithCancel(appCtx)
	defer stopManager()
	var managerWG sync.WaitGroup
	managerWG.Add(1)
	go func() {
		defer managerWG.Done()
		manager.Run(managerCtx)
	}()

	hook := screening.NewHook(policy, writer, cfg.AdmissionTimeout, logger)

	sipSrv, err := sipserver.NewServer(cfg, hook, store, manager, logger)
	if err != nil {
		return fmt.Errorf("creating sip server: %w", err)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip server: %w", err)
	}

	calllog.StartRetentionTicker(appCtx, callLog, store, retentionInterval, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager, sipSrv, callLog, contacts, startTime),
	)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	handler := api.NewServer(jwtSecret, contacts, callLog, store, manager, sipSrv, metricsHandler, logger)
	defer handler.Close()

	// No WriteTimeout: the call event stream is long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		logger.Error("http server error", "error", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// The manager ends and logs every call it still owns on shutdown. The
	// SIP stack stays up until then so those calls can be torn down, and
	// the writer closes last.
	stopManager()
	managerWG.Wait()
	sipSrv.Stop()
	writer.Close()
	if notifier != nil {
		notifier.Wait()
	}

	return serveErr
}

// bootstrapPIN stores the configured admin PIN when none has been set yet.
func bootstrapPIN(ctx context.Context, store *settings.Store, pin string, logger *slog.Logger) error {
	if pin == "" {
		return nil
	}
	has, err := store.HasPIN(ctx)
	if err != nil {
		return fmt.Errorf("checking admin pin: %w", err)
	}
	if has {
		return nil
	}
	if err := store.SetPIN(ctx, pin); err != nil {
		return fmt.Errorf("storing admin pin: %w", err)
	}
	logger.Info("admin pin initialised from configuration")
	return nil
}
