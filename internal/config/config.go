package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. ORDERSAGA_DATABASE_PATH.
const EnvPrefix = "ORDERSAGA"

// Service names accepted in the services key.
const (
	ServiceOrder        = "order"
	ServiceInventory    = "inventory"
	ServicePayment      = "payment"
	ServiceDelivery     = "delivery"
	ServiceNotification = "notification"
)

// AllServices is the default: every service in one process.
var AllServices = []string{ServiceOrder, ServiceInventory, ServicePayment, ServiceDelivery, ServiceNotification}

// Config holds all application configuration.
type Config struct {
	Log      LogConfig
	Database DatabaseConfig
	Bus      BusConfig
	Kafka    KafkaConfig
	Otel     OtelConfig
	Lock     LockConfig
	Retry    RetryConfig
	Payment  PaymentConfig
	Delivery DeliveryConfig
	Outbox   OutboxConfig
	Services []string
	Products []ProductConfig
}

type LogConfig struct {
	Level       string
	Development bool
}

type DatabaseConfig struct {
	Path string
}

// BusConfig selects the transport: "kafka" or "memory".
type BusConfig struct {
	Driver     string
	Partitions int
}

type KafkaConfig struct {
	Brokers      []string
	BatchTimeout time.Duration
	// Readers is the number of group members each subscription runs.
	Readers int
	// MaxDeliveries bounds handler attempts before a message is parked on
	// its dead-letter topic.
	MaxDeliveries int
}

// OtelConfig enables OTLP export when Endpoint is set.
type OtelConfig struct {
	Endpoint    string
	AuthHeader  string
	TracesPath  string
	LogsPath    string
	ServiceName string
}

// LockConfig selects the inventory lock. "sql" keeps leases in the database
// and works across processes; "local" is in-memory and only safe when one
// process runs the inventory service.
type LockConfig struct {
	Driver string
	Wait   time.Duration
	Lease  time.Duration
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type PaymentConfig struct {
	DefaultGateway string
	Timeout        time.Duration
	SuccessRates   map[string]float64
}

type DeliveryConfig struct {
	TransitDelay       time.Duration
	CompletionDelay    time.Duration
	FailureProbability float64
	SweepInterval      time.Duration
	Address            string
	Carriers           []string
}

type OutboxConfig struct {
	PollInterval time.Duration
}

// ProductConfig is a catalog entry and its starting stock.
type ProductConfig struct {
	ID    int64  `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
	Stock int    `mapstructure:"stock"`
}

// PriceDecimal parses Price.
func (p ProductConfig) PriceDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(p.Price)
}

// Init wires environment overrides into v.
func Init(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads configuration from the global Viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and applies defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Bus: BusConfig{
			Driver:     v.GetString("bus.driver"),
			Partitions: v.GetInt("bus.partitions"),
		},
		Kafka: KafkaConfig{
			Brokers:      v.GetStringSlice("kafka.brokers"),
			BatchTimeout:  v.GetDuration("kafka.batch_timeout"),
			Readers:       v.GetInt("kafka.readers"),
			MaxDeliveries: v.GetInt("kafka.max_deliveries"),
		},
		Otel: OtelConfig{
			Endpoint:    v.GetString("otel.endpoint"),
			AuthHeader:  v.GetString("otel.auth_header"),
			TracesPath:  v.GetString("otel.traces_path"),
			LogsPath:    v.GetString("otel.logs_path"),
			ServiceName: v.GetString("otel.service_name"),
		},
		Lock: LockConfig{
			Driver: v.GetString("lock.driver"),
			Wait:   v.GetDuration("lock.wait"),
			Lease:  v.GetDuration("lock.lease"),
		},
		Retry: RetryConfig{
			MaxAttempts:    v.GetInt("retry.max_attempts"),
			InitialBackoff: v.GetDuration("retry.initial_backoff"),
			MaxBackoff:     v.GetDuration("retry.max_backoff"),
		},
		Payment: PaymentConfig{
			DefaultGateway: v.GetString("payment.default_gateway"),
			Timeout:        v.GetDuration("payment.timeout"),
			SuccessRates:   map[string]float64{},
		},
		Delivery: DeliveryConfig{
			TransitDelay:       v.GetDuration("delivery.transit_delay"),
			CompletionDelay:    v.GetDuration("delivery.completion_delay"),
			FailureProbability: v.GetFloat64("delivery.failure_probability"),
			SweepInterval:      v.GetDuration("delivery.sweep_interval"),
			Address:            v.GetString("delivery.address"),
			Carriers:           v.GetStringSlice("delivery.carriers"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("outbox.poll_interval"),
		},
		Services: v.GetStringSlice("services"),
	}

	for id := range v.GetStringMap("payment.success_rates") {
		cfg.Payment.SuccessRates[strings.ToUpper(id)] = v.GetFloat64("payment.success_rates." + id)
	}
	if err := v.UnmarshalKey("products", &cfg.Products); err != nil {
		return nil, fmt.Errorf("reading products: %w", err)
	}

	// Apply defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "ordersaga.db"
	}
	if cfg.Bus.Driver == "" {
		cfg.Bus.Driver = "memory"
	}
	if cfg.Bus.Partitions == 0 {
		cfg.Bus.Partitions = 3
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.BatchTimeout == 0 {
		cfg.Kafka.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.Kafka.Readers == 0 {
		cfg.Kafka.Readers = cfg.Bus.Partitions
	}
	if cfg.Kafka.MaxDeliveries == 0 {
		cfg.Kafka.MaxDeliveries = 5
	}
	if cfg.Otel.TracesPath == "" {
		cfg.Otel.TracesPath = "/v1/traces"
	}
	if cfg.Otel.LogsPath == "" {
		cfg.Otel.LogsPath = "/v1/logs"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "ordersaga"
	}
	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "sql"
	}
	if cfg.Lock.Wait == 0 {
		cfg.Lock.Wait = 5 * time.Second
	}
	if cfg.Lock.Lease == 0 {
		cfg.Lock.Lease = 3 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff == 0 {
		cfg.Retry.MaxBackoff = 5 * time.Second
	}
	if cfg.Payment.DefaultGateway == "" {
		cfg.Payment.DefaultGateway = "TOSS_PAYMENTS"
	}
	if cfg.Payment.Timeout == 0 {
		cfg.Payment.Timeout = 10 * time.Second
	}
	for id, rate := range map[string]float64{"TOSS_PAYMENTS": 0.90, "NAVER_PAY": 0.88, "KAKAO_PAY": 0.92} {
		if _, ok := cfg.Payment.SuccessRates[id]; !ok {
			cfg.Payment.SuccessRates[id] = rate
		}
	}
	if cfg.Delivery.TransitDelay == 0 {
		cfg.Delivery.TransitDelay = 3 * time.Second
	}
	if cfg.Delivery.CompletionDelay == 0 {
		cfg.Delivery.CompletionDelay = 5 * time.Second
	}
	if !v.IsSet("delivery.failure_probability") {
		cfg.Delivery.FailureProbability = 0.05
	}
	if cfg.Delivery.SweepInterval == 0 {
		cfg.Delivery.SweepInterval = 500 * time.Millisecond
	}
	if cfg.Delivery.Address == "" {
		cfg.Delivery.Address = "123 Teheran-ro, Gangnam-gu, Seoul"
	}
	if len(cfg.Delivery.Carriers) == 0 {
		cfg.Delivery.Carriers = []string{"CJ Logistics", "Hanjin Express", "Logen", "Korea Post"}
	}
	if cfg.Outbox.PollInterval == 0 {
		cfg.Outbox.PollInterval = time.Second
	}
	if len(cfg.Services) == 0 {
		cfg.Services = AllServices
	}
	if len(cfg.Products) == 0 {
		cfg.Products = DefaultProducts()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.Driver {
	case "memory", "kafka":
	default:
		return fmt.Errorf("bus.driver must be kafka or memory, got %q", c.Bus.Driver)
	}
	switch c.Lock.Driver {
	case "sql", "local":
	default:
		return fmt.Errorf("lock.driver must be sql or local, got %q", c.Lock.Driver)
	}
	if c.Delivery.FailureProbability < 0 || c.Delivery.FailureProbability > 1 {
		return fmt.Errorf("delivery.failure_probability must be within [0, 1], got %v", c.Delivery.FailureProbability)
	}
	for id, rate := range c.Payment.SuccessRates {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("payment.success_rates.%s must be within [0, 1], got %v", id, rate)
		}
	}
	known := make(map[string]bool, len(AllServices))
	for _, s := range AllServices {
		known[s] = true
	}
	for _, s := range c.Services {
		if !known[s] {
			return fmt.Errorf("unknown service %q", s)
		}
	}
	for _, p := range c.Products {
		if _, err := p.PriceDecimal(); err != nil {
			return fmt.Errorf("product %d price %q: %w", p.ID, p.Price, err)
		}
	}
	return nil
}

// Runs reports whether this process runs the named service.
func (c *Config) Runs(service string) bool {
	for _, s := range c.Services {
		if s == service {
			return true
		}
	}
	return false
}

// DefaultProducts is the demo catalog with its starting stock.
func DefaultProducts() []ProductConfig {
	return []ProductConfig{
		{ID: 1, Name: "MacBook Pro 16", Price: "3500000", Stock: 10},
		{ID: 2, Name: "iPhone 15 Pro", Price: "1550000", Stock: 50},
		{ID: 3, Name: "Galaxy S24 Ultra", Price: "1690000", Stock: 30},
		{ID: 4, Name: "Nike Air Max", Price: "159000", Stock: 100},
		{ID: 5, Name: "Levi's 501 Jeans", Price: "129000", Stock: 80},
		{ID: 6, Name: "Sulwhasoo Essence", Price: "230000", Stock: 40},
		{ID: 7, Name: "Clean Code", Price: "33000", Stock: 150},
		{ID: 8, Name: "Effective Java", Price: "36000", Stock: 120},
		{ID: 9, Name: "Wilson Tennis Racket", Price: "250000", Stock: 25},
		{ID: 10, Name: "Dyson Cordless Vacuum", Price: "899000", Stock: 15},
	}
}
