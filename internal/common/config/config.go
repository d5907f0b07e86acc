package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App          AppConfig         `mapstructure:"app"`
	Camunda      CamundaConfig     `mapstructure:"camunda"`
	Database     DatabaseConfig    `mapstructure:"database"`
	RabbitMQ     RabbitMQConfig    `mapstructure:"rabbitmq"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Delivery     DeliveryConfig    `mapstructure:"delivery"`
	Shortener    ShortenerConfig   `mapstructure:"shortener"`
	History      HistoryConfig     `mapstructure:"history"`
	Events       EventsConfig      `mapstructure:"events"`
	Integrations IntegrationConfig `mapstructure:"integrations"`
	Logging      LoggingConfig     `mapstructure:"logging"`
	Server       ServerConfig      `mapstructure:"server"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// CamundaConfig configures the optional Zeebe event intake.
type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RabbitMQConfig holds broker settings shared by the dispatcher and consumers.
type RabbitMQConfig struct {
	URL             string `mapstructure:"url"`
	PublishPoolSize int    `mapstructure:"publish_pool_size"`
	PublishTimeout  int    `mapstructure:"publish_timeout"` // milliseconds
	Prefetch        int    `mapstructure:"prefetch"`
	MaxRedeliveries int    `mapstructure:"max_redeliveries"`
}

type SchedulerConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PollInterval int  `mapstructure:"poll_interval"` // milliseconds
	BatchSize    int  `mapstructure:"batch_size"`
	UseLease     bool `mapstructure:"use_lease"`
}

// DeliveryConfig lists the channel queues this process consumes.
type DeliveryConfig struct {
	Channels    []string `mapstructure:"channels"`
	RatePerSec  float64  `mapstructure:"rate_per_sec"`
	Burst       int      `mapstructure:"burst"`
	SendTimeout int      `mapstructure:"send_timeout"` // milliseconds
}

type ShortenerConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Timeout  int    `mapstructure:"timeout"`   // milliseconds
	CacheTTL int    `mapstructure:"cache_ttl"` // seconds, 0 disables caching
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

// EventsConfig names the templates used by the coarse event routes.
type EventsConfig struct {
	UserRegisteredTemplate string `mapstructure:"user_registered_template"`
	NewMovieTemplate       string `mapstructure:"new_movie_template"`
}

// IntegrationConfig holds settings for the channel transports.
type IntegrationConfig struct {
	AWS AWSConfig `mapstructure:"aws"`
}

type AWSConfig struct {
	Region string    `mapstructure:"region"`
	SES    SESConfig `mapstructure:"ses"`
	SNS    SNSConfig `mapstructure:"sns"`
}

type SESConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	FromEmail string `mapstructure:"from_email"`
}

// SNSConfig serves both SMS (direct publish to a phone number) and push
// (publish to a topic).
type SNSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SMSSenderID  string `mapstructure:"sms_sender_id"`
	PushTopicARN string `mapstructure:"push_topic_arn"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}
