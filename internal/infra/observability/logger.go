package observability

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a structured zap logger.
// Always uses production base (no stacktraces on Warn).
// debug level → colorized console; otherwise → compact JSON.
func NewLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "warn", "warning":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	}
	// stdout carries the report; logs go to stderr
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	return logger
}

// LoggingTransport logs outbound HTTP calls with zap and injects the trace
// context into request headers.
// Uses Warn for 4xx, Error for 5xx and transport failures, Debug otherwise.
type LoggingTransport struct {
	Base    http.RoundTripper
	Logger  *zap.Logger
	Service string
}

// NewHTTPClient returns an http.Client with a timeout and LoggingTransport.
func NewHTTPClient(timeout time.Duration, service string, logger *zap.Logger) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &LoggingTransport{
			Base:    http.DefaultTransport.(*http.Transport).Clone(),
			Logger:  logger,
			Service: service,
		},
	}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := base.RoundTrip(req)

	fields := []zap.Field{
		zap.String("service", t.Service),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Duration("latency", time.Since(start)),
	}

	switch {
	case err != nil:
		t.Logger.Error("http call failed", append(fields, zap.Error(err))...)
	case resp.StatusCode >= 500:
		t.Logger.Error("http call", append(fields, zap.Int("status", resp.StatusCode))...)
	case resp.StatusCode >= 400:
		t.Logger.Warn("http call", append(fields, zap.Int("status", resp.StatusCode))...)
	default:
		t.Logger.Debug("http call", append(fields, zap.Int("status", resp.StatusCode))...)
	}

	return resp, err
}

// CloseIdleConnections lets http.Client.CloseIdleConnections reach the base transport.
func (t *LoggingTransport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if ci, ok := t.Base.(closeIdler); ok {
		ci.CloseIdleConnections()
	}
}
