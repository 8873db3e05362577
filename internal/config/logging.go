package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the logging section.
func NewLogger(c LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	zc.DisableStacktrace = true
	return zc.Build()
}

// SetLogger installs the logger used by Log. Tests usually pass zap.NewNop().
func (c *Config) SetLogger(l *zap.Logger) {
	c.logger = l.Sugar()
}

// Logger returns the underlying zap logger, building one on first use.
func (c *Config) Logger() *zap.Logger {
	return c.sugar().Desugar()
}

func (c *Config) sugar() *zap.SugaredLogger {
	c.loggerOnce.Do(func() {
		if c.logger != nil {
			return
		}
		l, err := NewLogger(c.Logging)
		if err != nil {
			l = zap.NewNop()
		}
		c.logger = l.Sugar()
	})
	return c.logger
}

// Log logs a message when level is within the configured verbosity.
// Level 0 is always logged.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	c.sugar().Infof(format, args...)
}

// Errorf logs at error level regardless of verbosity.
func (c *Config) Errorf(format string, args ...interface{}) {
	c.sugar().Errorf(format, args...)
}
