package observability

import (
	"context"
	"testing"

	"github.com/buildtall-systems/ordersaga/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		log     config.LogConfig
		wantErr bool
	}{
		{"json info", config.LogConfig{Level: "info"}, false},
		{"development debug", config.LogConfig{Level: "debug", Development: true}, false},
		{"bad level", config.LogConfig{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.log, config.OtelConfig{ServiceName: "ordersaga"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestNewLogger_RespectsLevel(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "warn"}, config.OtelConfig{})
	require.NoError(t, err)
	assert.Nil(t, logger.Check(zapcore.DebugLevel, "debug is filtered"))
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.OtelConfig{ServiceName: "ordersaga"}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
}
