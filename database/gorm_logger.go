package database

import (
	"time"

	"github.com/yeremiapane/restaurant-sync/utils"
	"gorm.io/gorm/logger"
)

type logrusWriter struct{}

func (logrusWriter) Printf(format string, args ...interface{}) {
	utils.InfoLogger.Warnf(format, args...)
}

// NewGormLogger routes GORM warnings and errors into the shared logrus logger.
func NewGormLogger() logger.Interface {
	return logger.New(logrusWriter{}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
