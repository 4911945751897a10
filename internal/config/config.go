package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/message-dispatch/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Config holds every env-sourced setting of the dispatch service. Only this
// struct must be used to read configuration values, no direct access to env,
// ini or any other config source should be made.
type Config struct {
	AppEnv        string `env:"APP_ENV" default:"dev"`
	AppName       string `env:"APP_NAME" default:"message_dispatch"`
	AppDebug      bool   `env:"APP_DEBUG" default:"1"`
	MetricsAddr   string `env:"APP_METRIC_ADDR"`
	MetricsURI    string `env:"APP_METRIC_URI" default:"/metrics"`
	PromNamespace string `env:"PROM_NAMESPACE" default:"message_dispatch"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	LogLevel []string `env:"LOG_LEVEL"`

	// QueueMode selects the Queue implementation: "memory" keeps jobs
	// in-process, "redis" makes them survive restarts.
	QueueMode              string        `env:"QUEUE_MODE" default:"memory"`
	QueueName              string        `env:"QUEUE_NAME" default:"dispatch"`
	QueueConsumerGroup     string        `env:"QUEUE_CONSUMER_GROUP" default:"dispatch-group"`
	QueueConsumerName      string        `env:"QUEUE_CONSUMER_NAME"`
	QueueVisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT"`
	QueuePollInterval      time.Duration `env:"QUEUE_POLL_INTERVAL"`
	QueueMaxLen            int64         `env:"QUEUE_MAX_LEN"`
	QueueEnableDLQ         bool          `env:"QUEUE_ENABLE_DLQ" default:"1"`

	EngineSingleWorkers          int           `env:"ENGINE_SINGLE_WORKERS" default:"5"`
	EngineBulkWorkers            int           `env:"ENGINE_BULK_WORKERS" default:"2"`
	EngineMaxAttempts            int           `env:"ENGINE_MAX_ATTEMPTS" default:"3"`
	EngineRetryBaseDelay         time.Duration `env:"ENGINE_RETRY_BASE_DELAY"`
	EngineRetryMaxDelay          time.Duration `env:"ENGINE_RETRY_MAX_DELAY"`
	EngineMaxBulkMessages        int           `env:"ENGINE_MAX_BULK_MESSAGES" default:"1000"`
	EngineDefaultBatchSize       int           `env:"ENGINE_DEFAULT_BATCH_SIZE" default:"50"`
	EngineDefaultInterBatchDelay time.Duration `env:"ENGINE_DEFAULT_INTER_BATCH_DELAY"`
	EngineSendTimeout            time.Duration `env:"ENGINE_SEND_TIMEOUT"`

	// Primary carrier-protocol provider.
	ProviderPrimaryDisabled   bool          `env:"PROVIDER_PRIMARY_DISABLED"`
	ProviderPrimaryURL        string        `env:"PROVIDER_PRIMARY_URL"`
	ProviderPrimaryAPIKey     string        `env:"PROVIDER_PRIMARY_API_KEY"`
	ProviderPrimaryFrom       string        `env:"PROVIDER_PRIMARY_FROM"`
	ProviderPrimaryTimeout    time.Duration `env:"PROVIDER_PRIMARY_TIMEOUT"`
	ProviderPrimaryRatePerSec int           `env:"PROVIDER_PRIMARY_RATE_PER_SEC"`

	// SMTP-to-SMS bridge provider.
	ProviderSMTPDisabled      bool   `env:"PROVIDER_SMTP_DISABLED" default:"1"`
	ProviderSMTPHost          string `env:"PROVIDER_SMTP_HOST"`
	ProviderSMTPPort          int    `env:"PROVIDER_SMTP_PORT" default:"587"`
	ProviderSMTPUsername      string `env:"PROVIDER_SMTP_USERNAME"`
	ProviderSMTPPassword      string `env:"PROVIDER_SMTP_PASSWORD"`
	ProviderSMTPFrom          string `env:"PROVIDER_SMTP_FROM"`
	ProviderSMTPGatewayDomain string `env:"PROVIDER_SMTP_GATEWAY_DOMAIN"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
