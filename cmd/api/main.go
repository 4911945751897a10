package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nimasrn/message-dispatch/internal/config"
	"github.com/nimasrn/message-dispatch/internal/engine"
	"github.com/nimasrn/message-dispatch/internal/handlers"
	"github.com/nimasrn/message-dispatch/internal/provider"
	"github.com/nimasrn/message-dispatch/internal/quota"
	"github.com/nimasrn/message-dispatch/internal/repository"
	xhttp "github.com/nimasrn/message-dispatch/pkg/http"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/nimasrn/message-dispatch/pkg/pg"
	"github.com/nimasrn/message-dispatch/pkg/prom"
	"github.com/nimasrn/message-dispatch/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	// transport (tcp for now)
	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 5))
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	if config.Get().MetricsAddr != "" {
		host, _ := os.Hostname()
		if err := prom.Create(host, config.Get().AppEnv, config.Get().PromNamespace); err != nil {
			logger.Error("failed to register metrics", "error", err)
			return
		}
		go prom.ListenAndServer(config.Get().MetricsAddr, config.Get().MetricsURI)
	}

	tenantStore, err := createTenantStore()
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}
	quotaManager := quota.NewManager(tenantStore)

	registry := provider.NewRegistry()
	if err := registry.LoadFromConfig(context.Background(), providerConfigs()); err != nil {
		logger.Error("failed to initialize providers", "error", err)
		return
	}

	singleQueue, bulkQueue, store, err := createQueues()
	if err != nil {
		logger.Error("failed creating queues", "error", err)
		return
	}

	eng := engine.New(engine.Config{
		SingleWorkers:          config.Get().EngineSingleWorkers,
		BulkWorkers:            config.Get().EngineBulkWorkers,
		MaxAttempts:            config.Get().EngineMaxAttempts,
		RetryBaseDelay:         config.Get().EngineRetryBaseDelay,
		RetryMaxDelay:          config.Get().EngineRetryMaxDelay,
		MaxBulkMessages:        config.Get().EngineMaxBulkMessages,
		DefaultBatchSize:       config.Get().EngineDefaultBatchSize,
		DefaultInterBatchDelay: config.Get().EngineDefaultInterBatchDelay,
		SendTimeout:            config.Get().EngineSendTimeout,
	}, registry, quotaManager, singleQueue, bulkQueue, store)
	eng.Start()

	// v1 handlers
	dispatchHandler := handlers.NewDispatchHandler(eng, quotaManager)
	webhookHandler := handlers.NewWebhookHandler(eng)
	healthHandler := handlers.NewHealthHandler(nil)

	g := s.Router.Group("/api/v1")
	handlers.RegisterDispatchRoutes(g, dispatchHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()
	logger.Info("dispatch api started",
		"addr", config.Get().HttpListenAddr,
		"version", version,
		"commit", commit,
		"build_date", date)

	<-c
	s.Shutdown()
	eng.Stop()
}

// createTenantStore picks the persistence backend: postgres when configured,
// otherwise the in-memory store for single-node and dev runs.
func createTenantStore() (quota.TenantStore, error) {
	if config.Get().PostgresWriteHost == "" {
		logger.Warn("no postgres configured, using in-memory tenant store")
		return quota.NewMemoryStore(), nil
	}

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		return nil, err
	}
	return repository.NewTenantRepository(db), nil
}

// createQueues builds both job queues plus the result store according to
// QUEUE_MODE. Redis mode survives restarts; memory mode needs no external
// services.
func createQueues() (engine.Queue, engine.Queue, engine.Store, error) {
	if config.Get().QueueMode != "redis" {
		return engine.NewMemoryQueue(), engine.NewMemoryQueue(), engine.NewMemoryStore(), nil
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	singleQueue, err := engine.NewRedisQueue(redisAdap, engine.RedisQueueConfig{
		Name:              config.Get().QueueName + ":single",
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	bulkQueue, err := engine.NewRedisQueue(redisAdap, engine.RedisQueueConfig{
		Name:              config.Get().QueueName + ":bulk",
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	return singleQueue, bulkQueue, engine.NewRedisStore(redisAdap, "dispatch:"), nil
}

// providerConfigs maps the flat env entries onto the registry's config set.
func providerConfigs() map[string]provider.Config {
	configs := make(map[string]provider.Config)

	configs["primary"] = provider.Config{
		Driver:      "http",
		Disabled:    config.Get().ProviderPrimaryDisabled || config.Get().ProviderPrimaryURL == "",
		Default:     true,
		BaseURL:     config.Get().ProviderPrimaryURL,
		APIKey:      config.Get().ProviderPrimaryAPIKey,
		DefaultFrom: config.Get().ProviderPrimaryFrom,
		Timeout:     config.Get().ProviderPrimaryTimeout,
		RatePerSec:  config.Get().ProviderPrimaryRatePerSec,
	}

	configs["smtp-bridge"] = provider.Config{
		Driver:        "smtp",
		Disabled:      config.Get().ProviderSMTPDisabled || config.Get().ProviderSMTPHost == "",
		SMTPHost:      config.Get().ProviderSMTPHost,
		SMTPPort:      config.Get().ProviderSMTPPort,
		SMTPUsername:  config.Get().ProviderSMTPUsername,
		SMTPPassword:  config.Get().ProviderSMTPPassword,
		DefaultFrom:   config.Get().ProviderSMTPFrom,
		GatewayDomain: config.Get().ProviderSMTPGatewayDomain,
	}

	return configs
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
