package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
	level  = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

// GetLogger returns zap.Logger instance, but using singleton pattern creates only one reusable instace
// development config by default, JSON production config when APP_ENV=production.
// Packages grab it at init time, so the encoder is picked from the process env and
// the level stays adjustable through SetLevel.
func GetLogger() *zap.Logger {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("APP_ENV") == "production" {
			cfg = zap.NewProductionConfig()
			level.SetLevel(zapcore.InfoLevel)
		} else {
			cfg = zap.NewDevelopmentConfig()
		}
		cfg.Level = level

		var err error
		logger, err = cfg.Build()
		if err != nil {
			panic("failed logger setup : " + err.Error())
		}
	})
	return logger
}

// SetLevel changes the level of every logger handed out by GetLogger.
func SetLevel(l string) error {
	lvl, err := zapcore.ParseLevel(l)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}
