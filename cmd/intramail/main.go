package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.io/infrasutra/intramail/internal/api"
	"github.io/infrasutra/intramail/internal/auth"
	"github.io/infrasutra/intramail/internal/bus"
	"github.io/infrasutra/intramail/internal/config"
	"github.io/infrasutra/intramail/internal/mailbox"
	"github.io/infrasutra/intramail/internal/notify"
	"github.io/infrasutra/intramail/internal/presence"
	"github.io/infrasutra/intramail/internal/smtpserver"
	"github.io/infrasutra/intramail/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	if cfg.DBPath == "" {
		logger.Warn("DB_PATH not set; using an in-memory database")
	}

	admin, err := db.EnsureUser(ctx, cfg.AdminEmail, cfg.AdminName, store.RoleAdmin, time.Now())
	if err != nil {
		logger.Error("bootstrap admin", "email", cfg.AdminEmail, "error", err)
		os.Exit(1)
	}
	logger.Info("admin account ready", "email", admin.Email)

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	eventBus := bus.New(0)
	notifier := notify.New(eventBus, db, logger)
	mail := mailbox.NewService(db, notifier, logger)
	tracker := presence.NewTracker(eventBus, db, logger, cfg.StaleAfter)
	go tracker.RunReaper(ctx, cfg.ReapInterval)

	apiServer := api.NewServer(db, mail, tracker, authManager, cfg.HeartbeatInterval, logger)
	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var smtpSrv *smtpserver.Server
	if cfg.SMTPEnabled {
		smtpSrv = smtpserver.New(db, mail, logger, fmt.Sprintf(":%d", cfg.SMTPPort), cfg.SMTPPassword)
		go func() {
			if err := smtpSrv.ListenAndServe(); err != nil {
				logger.Error("smtp server stopped", "error", err)
			}
		}()
	} else {
		logger.Info("smtp ingress disabled")
	}

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if smtpSrv != nil {
		if err := smtpSrv.Close(); err != nil {
			logger.Error("shutdown smtp", "error", err)
		}
	}
}
