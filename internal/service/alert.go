package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Krx-21/BotCareU-sub001/common/database"
	mqttcommon "github.com/Krx-21/BotCareU-sub001/common/mqtt"
	rediscommon "github.com/Krx-21/BotCareU-sub001/common/redis"
	"github.com/Krx-21/BotCareU-sub001/internal/auth"
	"github.com/Krx-21/BotCareU-sub001/internal/cache"
	"github.com/Krx-21/BotCareU-sub001/internal/config"
	"github.com/Krx-21/BotCareU-sub001/internal/consumer"
	"github.com/Krx-21/BotCareU-sub001/internal/dispatcher"
	"github.com/Krx-21/BotCareU-sub001/internal/gateway"
	httpapi "github.com/Krx-21/BotCareU-sub001/internal/http"
	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/repository"
)

// AlertService the server: ingestion, pipeline, dispatcher, gateway and API
type AlertService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client
	logger      *zap.Logger

	metrics    *metrics.Metrics
	verifier   *auth.Verifier
	deviceRepo *repository.DeviceRepository
	notifyRepo *repository.NotificationRepository
	statuses   *cache.StatusCache
	gateway    *gateway.Gateway
	relay      *gateway.Relay
	dispatcher *dispatcher.Dispatcher
	pipeline   *Pipeline
	sweep      *OfflineSweep

	mqttConsumer   *consumer.MQTTConsumer
	streamConsumer *consumer.StreamConsumer
}

// NewAlertService connects to PostgreSQL, Redis and the MQTT broker and
// builds every component
func NewAlertService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*AlertService, error) {
	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis)
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		_ = database.Close(db)
		_ = rediscommon.Close(redisClient)
		return nil, err
	}

	s := &AlertService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
		verifier:    verifier,
		metrics:     metrics.New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer),
	}
	s.build()
	return s, nil
}

func (s *AlertService) build() {
	cfg, logger := s.config, s.logger

	s.deviceRepo = repository.NewDeviceRepository(s.db, logger)
	s.notifyRepo = repository.NewNotificationRepository(s.db, logger)
	readingRepo := repository.NewReadingRepository(s.db, logger)
	contactRepo := repository.NewContactRepository(s.db, logger)

	s.statuses = cache.NewStatusCache(s.redisClient, "", cfg.Alert.StatusTTL, s.deviceRepo, logger)
	gate := cache.NewCooldownGate(s.redisClient, cfg.Alert.Cooldown)

	s.gateway = gateway.NewGateway(gateway.Config{
		AuthTimeout:  cfg.Gateway.AuthTimeout,
		SendBuffer:   cfg.Gateway.SendBuffer,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		PingInterval: cfg.Gateway.PingInterval,
	}, s.verifier, s.deviceRepo, s.statuses, s.metrics, logger)

	var broadcaster Broadcaster = s.gateway
	var deliverer dispatcher.UserDeliverer = s.gateway
	if cfg.Gateway.RelayEnabled {
		s.relay = gateway.NewRelay(s.redisClient, cfg.Gateway.RelayChannel, s.gateway, logger)
		broadcaster = s.relay
		deliverer = s.relay
	}

	senders := []dispatcher.Sender{dispatcher.NewRealtimeSender(deliverer)}
	for ch, p := range map[models.Channel]config.ProviderConfig{
		models.ChannelPush:  cfg.Providers.Push,
		models.ChannelEmail: cfg.Providers.Email,
		models.ChannelSMS:   cfg.Providers.SMS,
	} {
		if p.BaseURL == "" {
			logger.Warn("No provider configured, channel will exhaust", zap.String("channel", string(ch)))
			continue
		}
		senders = append(senders, dispatcher.NewHTTPSender(ch, dispatcher.ProviderConfig{
			BaseURL: p.BaseURL,
			Path:    p.Path,
			APIKey:  p.APIKey,
			Timeout: p.Timeout,
		}, contactRepo, logger))
	}

	s.dispatcher = dispatcher.NewDispatcher(dispatcher.Config{
		MaxRetries:     cfg.Dispatcher.MaxRetries,
		BaseBackoff:    cfg.Dispatcher.BaseBackoff,
		MaxBackoff:     cfg.Dispatcher.MaxBackoff,
		AttemptTimeout: cfg.Dispatcher.AttemptTimeout,
		Policy:         dispatcher.DeliveryPolicy(cfg.Dispatcher.Policy),
	}, senders, s.notifyRepo, broadcaster, s.metrics, logger)

	s.pipeline = NewPipeline(PipelineConfig{LowBatteryPercent: cfg.Alert.LowBatteryPercent},
		s.deviceRepo, readingRepo, s.statuses, gate, s.dispatcher, broadcaster, s.metrics, logger)
	s.sweep = NewOfflineSweep(SweepConfig{Interval: cfg.Alert.SweepInterval, OfflineAfter: cfg.Alert.OfflineAfter},
		s.deviceRepo, s.statuses, s.dispatcher, broadcaster, logger)

	s.mqttConsumer = consumer.NewMQTTConsumer(cfg, s.mqttClient, s.redisClient, s.deviceRepo, logger)
	s.streamConsumer = consumer.NewStreamConsumer(cfg, s.redisClient, s.pipeline, logger)
}

// Start runs every component until ctx is cancelled or one fails
func (s *AlertService) Start(ctx context.Context) error {
	s.logger.Info("Starting alert service",
		zap.String("http_addr", s.config.Server.Addr),
		zap.Bool("relay_enabled", s.relay != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	var broadcaster httpapi.Broadcaster = s.gateway
	if s.relay != nil {
		broadcaster = s.relay
		g.Go(func() error { return s.relay.Run(ctx) })
	}

	router := httpapi.NewRouter(httpapi.RouterDeps{
		Devices:       httpapi.NewDeviceHandler(s.deviceRepo, s.logger),
		Notifications: httpapi.NewNotificationHandler(s.notifyRepo, broadcaster, s.logger),
		Authenticator: s.verifier,
		Realtime:      gateway.NewHandler(ctx, s.gateway, s.config.Server.AllowedOrigins, s.logger),
		Metrics:       s.metrics,
		Checks: map[string]httpapi.HealthCheck{
			"postgres": s.db.PingContext,
			"redis":    func(ctx context.Context) error { return rediscommon.Ping(ctx, s.redisClient) },
			"mqtt": func(context.Context) error {
				if !s.mqttClient.IsConnected() {
					return errors.New("disconnected")
				}
				return nil
			},
		},
		AllowedOrigins: s.config.Server.AllowedOrigins,
		Logger:         s.logger,
	})
	server := &http.Server{
		Addr:              s.config.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		s.logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.gateway.Shutdown()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return s.mqttConsumer.Start(ctx) })
	g.Go(func() error { return s.streamConsumer.Start(ctx) })
	g.Go(func() error { return s.sweep.Run(ctx) })

	return g.Wait()
}

// Stop waits for in-flight notifications and releases connections
func (s *AlertService) Stop() error {
	s.logger.Info("Stopping alert service")

	if err := s.mqttConsumer.Stop(); err != nil {
		s.logger.Warn("Failed to stop MQTT consumer", zap.Error(err))
	}
	s.mqttClient.Disconnect()
	s.dispatcher.Wait()

	if err := rediscommon.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	return nil
}

func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	vc := auth.VerifierConfig{
		Algorithm: cfg.Auth.Algorithm,
		SecretKey: cfg.Auth.SecretKey,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		Leeway:    cfg.Auth.Leeway,
	}
	if cfg.Auth.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.Auth.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWT public key: %w", err)
		}
		vc.PublicKeyPEM = string(pem)
	}
	return auth.NewVerifier(vc)
}
