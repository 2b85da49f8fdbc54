// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxsession/auth"
	"github.com/absmach/fluxsession/auth/basic"
	"github.com/absmach/fluxsession/auth/scram"
	"github.com/absmach/fluxsession/cluster"
	"github.com/absmach/fluxsession/config"
	"github.com/absmach/fluxsession/disconnect"
	"github.com/absmach/fluxsession/mqtt"
	mqtttls "github.com/absmach/fluxsession/pkg/tls"
	"github.com/absmach/fluxsession/ratelimit"
	"github.com/absmach/fluxsession/server/health"
	"github.com/absmach/fluxsession/server/otel"
	"github.com/absmach/fluxsession/server/tcp"
	"github.com/absmach/fluxsession/server/websocket"
	"github.com/absmach/fluxsession/session"
	"github.com/absmach/fluxsession/storage"
	"github.com/absmach/fluxsession/storage/badger"
	"github.com/absmach/fluxsession/storage/memory"
	"github.com/absmach/fluxsession/storage/postgres"
	"github.com/absmach/fluxsession/unauthorized"
	"github.com/absmach/fluxsession/webhook"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	nodeID := cfg.Cluster.NodeID
	slog.Info("Starting session core", "node_id", nodeID)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"tls_enabled", cfg.Server.TLSEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"cluster_enabled", cfg.Cluster.Enabled,
		"unauthorized_store", cfg.Unauthorized.Type,
		"log_level", cfg.Log.Level)

	store, err := openStore(cfg.Unauthorized)
	if err != nil {
		slog.Error("Failed to initialize unauthorized store", "type", cfg.Unauthorized.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Server, nodeID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		if cfg.Server.OtelTracesEnabled {
			tracer = otel.Tracer()
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	var notifier webhook.Notifier = webhook.Noop{}
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, nodeID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		notifier = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}
	defer notifier.Close()

	var events cluster.SessionEvents = cluster.Noop{}
	var etcdCluster *cluster.Etcd
	if cfg.Cluster.Enabled {
		ec, err := cluster.NewEtcd(cfg.Cluster, logger)
		if err != nil {
			slog.Error("Failed to initialize etcd cluster", "error", err)
			os.Exit(1)
		}
		etcdCluster = ec
		events = ec
		defer ec.Close()
		slog.Info("Running in cluster mode",
			"node_id", nodeID,
			"embedded_etcd", cfg.Cluster.Etcd.Embedded,
			"etcd_data_dir", cfg.Cluster.Etcd.DataDir)
	} else {
		slog.Info("Running in single-node mode", "node_id", nodeID)
	}

	authn, err := basic.NewFromConfig(cfg.Auth)
	if err != nil {
		slog.Error("Failed to load users", "error", err)
		os.Exit(1)
	}
	var enhanced auth.EnhancedAuthenticator
	if len(cfg.Auth.Scram) > 0 {
		creds, err := scram.NewMemoryStoreFromConfig(cfg.Auth)
		if err != nil {
			slog.Error("Failed to load SCRAM credentials", "error", err)
			os.Exit(1)
		}
		enhanced = scram.New(creds, logger)
		slog.Info("Enhanced authentication enabled", "scram_users", len(cfg.Auth.Scram))
	}

	recorder := unauthorized.New(store.Unauthorized(), cfg.Unauthorized, metrics, logger)
	defer recorder.Close()

	orchestrator := disconnect.New(nodeID, events, disconnect.NoopReleaser{}, notifier, metrics, logger)

	sessions, err := session.NewManager(cfg.Session, session.ProcessorConfig{
		NodeID:        nodeID,
		Authenticator: authn,
		Enhanced:      enhanced,
		Disconnector:  orchestrator,
		Audit:         recorder,
		Cluster:       events,
		Notifier:      notifier,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("Failed to create session manager", "error", err)
		os.Exit(1)
	}
	if etcdCluster != nil {
		etcdCluster.Start(sessions)
	}

	limiter := ratelimit.New(cfg.Server.ConnRateLimit, cfg.Server.ConnRateBurst)
	if l, ok := limiter.(*ratelimit.IPLimiter); ok {
		defer l.Stop()
		slog.Info("Connection rate limiting enabled",
			"rate", cfg.Server.ConnRateLimit,
			"burst", cfg.Server.ConnRateBurst)
	}

	mqttHandler := mqtt.NewHandler(mqtt.HandlerConfig{
		Sessions:       sessions,
		Limiter:        limiter,
		Metrics:        metrics,
		Logger:         logger,
		ConnectTimeout: cfg.Server.TCPReadTimeout,
		WriteTimeout:   cfg.Server.TCPWriteTimeout,
	})

	tlsCfg, err := mqtttls.LoadTLSConfig(cfg.Server)
	if err != nil {
		slog.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	tcpServer := tcp.New(tcp.Config{
		Address:         cfg.Server.TCPAddr,
		TLSConfig:       tlsCfg,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		Logger:          logger,
	}, mqttHandler)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "security", mqtttls.SecurityStatus(tlsCfg))
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.WSEnabled {
		wsServer := websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, mqttHandler, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			NodeID:          nodeID,
		}, sessions, store.Unauthorized(), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Session core started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Sessions are torn down before listeners so clients see a DISCONNECT.
	if err := sessions.Close(shutdownCtx); err != nil {
		slog.Error("Error during session shutdown", "error", err)
	}

	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Session core stopped")
}

func openStore(cfg config.UnauthorizedConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "badger":
		return badger.New(badger.Config{Dir: cfg.BadgerDir, TTL: cfg.TTL})
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN})
	default:
		return nil, fmt.Errorf("unknown unauthorized store type %q", cfg.Type)
	}
}
