package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"session-server/internal/comms"
	"session-server/internal/config"
	"session-server/internal/logging"
	"session-server/internal/presence"
	"session-server/internal/protocol"
	"session-server/internal/session"
	"session-server/internal/storage"
	"session-server/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger("session-server", cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	// Sessions left live by an unclean shutdown get closed out at the last
	// moment this server is known to have been running.
	cutoff := time.Now().UTC()
	if lastActive, ok, err := db.LastActive(ctx); err != nil {
		logger.Fatal("read boot history", zap.Error(err))
	} else if ok {
		cutoff = lastActive
	}
	affected, err := db.ReconcileOrphans(ctx, cutoff, protocol.ReasonKilledByRestart)
	if err != nil {
		logger.Fatal("reconcile orphaned sessions", zap.Error(err))
	}
	if affected > 0 {
		logger.Info("reconciled orphaned sessions",
			zap.Int64("count", affected),
			zap.Time("cutoff", cutoff))
	}

	bootID, err := db.RecordBoot(ctx, time.Now().UTC())
	if err != nil {
		logger.Fatal("record boot", zap.Error(err))
	}
	go func() {
		ticker := time.NewTicker(cfg.BootKeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.TouchBoot(ctx, bootID, time.Now().UTC()); err != nil {
					logger.Warn("refresh boot record", zap.Error(err))
				}
			}
		}
	}()

	bus := comms.New(logger.Named("comms"))
	server := transport.NewServer(bus, logger.Named("transport"))

	var reg session.PresenceRegistry
	if cfg.RedisAddr != "" {
		r, err := presence.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ReconnectGrace+cfg.ConnectionTimeout)
		if err != nil {
			logger.Fatal("connect presence registry", zap.Error(err))
		}
		defer func() { _ = r.Close() }()
		reg = r
	}

	controller := session.NewController(session.Config{
		MaxClients:        cfg.MaxClients,
		ConnectionTimeout: cfg.ConnectionTimeout,
		ReconnectGrace:    cfg.ReconnectGrace,
		PollInterval:      cfg.MonitorPollInterval,
		ConsoleLogLevel:   cfg.ClientConsoleLogLevel,
		MirrorLogLevel:    cfg.ClientMirrorLogLevel,
		Cultures:          cfg.LocaleCultures,
		Timezone:          cfg.LocaleTimezone,
	}, bus, db, server, reg, logger.Named("session"))
	controller.Start()

	host := session.NewHostCoordinator(session.HostConfig{
		SettleDelay:    cfg.HostSettleDelay,
		LivenessWindow: cfg.HostLivenessWindow,
	}, bus, server, logger.Named("host"))
	host.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(ctx, cfg.ListenAddr)
	}()
	logger.Info("listening", zap.String("addr", cfg.ListenAddr))

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("serve failed", zap.Error(err))
		}
	}

	cancel()
	controller.Shutdown()
	if err := db.TouchBoot(context.Background(), bootID, time.Now().UTC()); err != nil {
		logger.Warn("final boot record refresh", zap.Error(err))
	}
}
