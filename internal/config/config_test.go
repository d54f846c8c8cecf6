package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "ordersaga.db", cfg.Database.Path)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, "sql", cfg.Lock.Driver)
	assert.Equal(t, 5*time.Second, cfg.Lock.Wait)
	assert.Equal(t, 3*time.Second, cfg.Lock.Lease)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Kafka.Readers, "one reader per bus partition")
	assert.Equal(t, 5, cfg.Kafka.MaxDeliveries)
	assert.Equal(t, "TOSS_PAYMENTS", cfg.Payment.DefaultGateway)
	assert.InDelta(t, 0.92, cfg.Payment.SuccessRates["KAKAO_PAY"], 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Delivery.TransitDelay)
	assert.Equal(t, 5*time.Second, cfg.Delivery.CompletionDelay)
	assert.InDelta(t, 0.05, cfg.Delivery.FailureProbability, 1e-9)
	assert.Len(t, cfg.Delivery.Carriers, 4)
	assert.Equal(t, AllServices, cfg.Services)
	require.Len(t, cfg.Products, 10)
	assert.Equal(t, 10, cfg.Products[0].Stock)
}

func TestLoadFromFile(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
database:
  path: /tmp/saga.db
bus:
  driver: kafka
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  readers: 6
payment:
  default_gateway: KAKAO_PAY
  success_rates:
    toss_payments: 1.0
delivery:
  failure_probability: 0
services: [order, payment]
products:
  - id: 1
    name: Widget
    price: "12.50"
    stock: 3
`)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/saga.db", cfg.Database.Path)
	assert.Equal(t, "kafka", cfg.Bus.Driver)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 6, cfg.Kafka.Readers)
	assert.Equal(t, "KAKAO_PAY", cfg.Payment.DefaultGateway)
	assert.InDelta(t, 1.0, cfg.Payment.SuccessRates["TOSS_PAYMENTS"], 1e-9)
	assert.InDelta(t, 0.88, cfg.Payment.SuccessRates["NAVER_PAY"], 1e-9)
	assert.Zero(t, cfg.Delivery.FailureProbability, "an explicit zero is kept")
	assert.True(t, cfg.Runs(ServicePayment))
	assert.False(t, cfg.Runs(ServiceDelivery))

	require.Len(t, cfg.Products, 1)
	price, err := cfg.Products[0].PriceDecimal()
	require.NoError(t, err)
	assert.Equal(t, "12.5", price.String())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORDERSAGA_DATABASE_PATH", "env.db")
	t.Setenv("ORDERSAGA_LOCK_WAIT", "750ms")

	v := viper.New()
	Init(v)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database.Path)
	assert.Equal(t, 750*time.Millisecond, cfg.Lock.Wait)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown bus", "bus.driver", "rabbit"},
		{"unknown lock", "lock.driver", "redis"},
		{"failure probability above one", "delivery.failure_probability", 1.5},
		{"unknown service", "services", []string{"billing"}},
		{"bad price", "products", []map[string]any{{"id": 1, "name": "x", "price": "abc"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := LoadFrom(v)
			assert.Error(t, err)
		})
	}
}
