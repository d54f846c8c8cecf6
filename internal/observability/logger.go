package observability

import (
	"fmt"
	"os"

	"github.com/buildtall-systems/ordersaga/internal/config"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const instrumentationScope = "github.com/buildtall-systems/ordersaga"

// NewLogger builds the process logger: JSON on stderr, or a console encoder
// in development. With an OTLP endpoint configured the output is tee'd into
// the otelzap bridge, so SetupLoggingSDK must run first.
func NewLogger(logCfg config.LogConfig, otelCfg config.OtelConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(logCfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var encoder zapcore.Encoder
	if logCfg.Development {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	if otelCfg.Endpoint != "" {
		otelCore := otelzap.NewCore(instrumentationScope,
			otelzap.WithLoggerProvider(global.GetLoggerProvider()),
		)
		core = zapcore.NewTee(core, otelCore)
	}

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service.name", otelCfg.ServiceName)),
	), nil
}
