package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	serviceName   = "webhook-listener"
	logBufferSize = 256
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. MQTT first, so the logger can tee into it from the very first line.
	var mqttClient mqtt.Client
	if cfg.MQTTBroker != "" {
		opts := mqtt.NewClientOptions().AddBroker(cfg.MQTTBroker).SetClientID(cfg.MQTTClientID)
		opts.SetAutoReconnect(true)
		mqttClient = mqtt.NewClient(opts)
		if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
			slog.Error("MQTT connection failed", "broker", cfg.MQTTBroker, "error", token.Error())
			os.Exit(1)
		}
		defer mqttClient.Disconnect(250)
	}

	// 2. Logger
	var out io.Writer = os.Stdout
	var logWriter *MqttLogWriter
	if mqttClient != nil {
		logWriter = NewMqttLogWriter(mqttClient, serviceName, logBufferSize)
		go logWriter.Run(ctx)
		out = io.MultiWriter(os.Stdout, logWriter)
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	logger.Info("Starting webhook listener", "config", cfg)

	// 3. Store. Without DB_URL the listener still runs and answers 500.
	var (
		store    ReadingStore   = missingStore{}
		readings ReadingQuerier = missingStore{}
	)
	if cfg.DBURL == "" {
		logger.Error("DB_URL not set, every webhook will fail until it is configured")
	} else {
		repo, err := NewRepository(ctx, cfg, logger)
		if err != nil {
			logger.Error("Cannot connect to the database", "error", err)
			os.Exit(1)
		}
		defer repo.Close()

		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = repo.EnsureSchema(schemaCtx, cfg.RegistryTable, cfg.RegistryColumn)
		cancel()
		if err != nil {
			logger.Error("Cannot prepare the readings table", "error", err)
			os.Exit(1)
		}
		store, readings = repo, repo
		logger.Info("Database ready")
	}

	var publisher ReadingPublisher = nopPublisher{}
	if mqttClient != nil {
		publisher = NewMQTTPublisher(mqttClient, cfg.ReadingTopic)
	}

	// 4. Routes
	mux := http.NewServeMux()
	NewWebhookHandler(store, publisher, logger, cfg.SaveTimeout).RegisterRoutes(mux)

	apiMux := http.NewServeMux()
	NewAPIHandler(readings, logger).RegisterRoutes(apiMux)
	mux.Handle("/api/", CorsMiddleware(cfg.CORSOrigins, apiMux))

	RegisterHealthRoutes(mux, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           RequestLogger(logger, Recoverer(logger, mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 5. Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server listening", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	if logWriter != nil && logWriter.Dropped() > 0 {
		logger.Warn("Log lines dropped from MQTT forwarding", "dropped", logWriter.Dropped())
	}
	logger.Info("Webhook listener stopped")
}
