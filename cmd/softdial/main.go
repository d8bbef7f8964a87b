package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/softdial/softdial/internal/api"
	"github.com/softdial/softdial/internal/api/middleware"
	"github.com/softdial/softdial/internal/audio"
	"github.com/softdial/softdial/internal/callflow"
	"github.com/softdial/softdial/internal/config"
	"github.com/softdial/softdial/internal/database"
	"github.com/softdial/softdial/internal/database/models"
	"github.com/softdial/softdial/internal/metrics"
	"github.com/softdial/softdial/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting softdial",
		"http_port", cfg.HTTPPort,
		"sip_host", cfg.SIPHost,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	records := database.NewCallRecordRepository(db)
	rates := database.NewRateRepository(db)
	users := database.NewAdminUserRepository(db)
	sysConfig := database.NewSystemConfigRepository(db)

	defaultUser, err := ensureDefaultUser(context.Background(), users)
	if err != nil {
		slog.Error("failed to ensure default user", "error", err)
		os.Exit(1)
	}

	// Optional Postgres archive mirroring call records.
	var archive *database.Archive
	if cfg.ArchiveDSN != "" {
		archive, err = database.OpenArchive(cfg.ArchiveDSN)
		if err != nil {
			slog.Error("failed to open call record archive", "error", err)
			os.Exit(1)
		}
		defer archive.Close()
		slog.Info("call record archive enabled")
	}

	recorder := database.NewRecorder(records, archive, logger)

	// Microphone permission state, reported by the web client.
	prober := audio.NewReportedProber()
	audioGw := audio.NewGateway(prober, logger)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	callerID := cfg.CallerID
	if callerID == "" {
		callerID = cfg.SIPUsername
	}

	// Provider and controller reference each other: the provider reports a
	// lost connection, the controller drives reconnection. The closure
	// resolves the cycle; Connect runs only after the controller exists.
	var controller *callflow.CallSessionController
	prov := provider.New(provider.Config{
		Host:         cfg.SIPHost,
		Port:         cfg.SIPPort,
		Transport:    cfg.SIPTransport,
		Username:     cfg.SIPUsername,
		AuthUsername: cfg.SIPAuthUsername,
		Password:     cfg.SIPPassword,
		Expiry:       cfg.SIPExpiry,
		ListenAddr:   cfg.SIPListenAddr,
		MediaIP:      cfg.MediaIP(),
		MediaPort:    cfg.MediaPort,
	}, func(cause error) {
		controller.OnConnectionLost(cause)
	}, logger)

	controller = callflow.NewController(
		prov,
		recorder,
		audioGw,
		&logListener{logger: logger},
		cfg.Timeouts(),
		callerID,
		defaultUser.ID,
		logger,
	)
	defer controller.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := prov.Connect(connectCtx); err != nil {
		slog.Warn("initial provider connect failed, retrying in background", "error", err)
		controller.OnConnectionLost(err)
	}
	connectCancel()
	defer prov.Disconnect()

	// HTTP server using the api package.
	apiSrv := api.NewServer(api.Config{
		Controller:  controller,
		Device:      audio.NewReporter(prober, audioGw),
		Records:     records,
		Rates:       rates,
		Users:       users,
		SysConfig:   sysConfig,
		JWTSecret:   jwtSecret,
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Logger:      logger,
	})
	defer apiSrv.Stop()

	// Prometheus metrics on a dedicated registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(controller, records, prov, time.Now()),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", apiSrv)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("softdial stopped")
}

// ensureDefaultUser creates the initial dialer account when the user table
// is empty. The generated password is logged once so the operator can log in
// and change it.
func ensureDefaultUser(ctx context.Context, users database.AdminUserRepository) (*models.AdminUser, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return users.GetByUsername(ctx, "admin")
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating password: %w", err)
	}
	password := hex.EncodeToString(raw)

	hash, err := database.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &models.AdminUser{Username: "admin", PasswordHash: hash}
	if err := users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating default user: %w", err)
	}

	slog.Warn("created default user, change the password after first login",
		"username", "admin",
		"password", password,
	)
	return user, nil
}

// logListener surfaces engine state changes and errors in the server log.
// The web client observes the same transitions by polling the state endpoint.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) OnCallState(state callflow.UIState) {
	l.logger.Debug("call state changed", "state", string(state))
}

func (l *logListener) OnCallError(err *callflow.CallError) {
	l.logger.Info("call error surfaced", "category", string(err.Category), "message", err.Message)
}
