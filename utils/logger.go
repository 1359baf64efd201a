package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	InfoLogger  = newLogger(os.Stdout, logrus.InfoLevel)
	ErrorLogger = newLogger(os.Stderr, logrus.ErrorLevel)
)

func newLogger(out *os.File, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(level)
	return l
}

// InitLogger resets both loggers to their defaults (info to stdout, errors to stderr).
func InitLogger() {
	InfoLogger = newLogger(os.Stdout, logrus.InfoLevel)
	ErrorLogger = newLogger(os.Stderr, logrus.ErrorLevel)
}

// SetLogLevel mengatur level InfoLogger dari string config ("debug", "info", "warn", ...).
// ErrorLogger tetap di level error kecuali level yang diminta lebih tinggi.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	InfoLogger.SetLevel(lvl)
	if lvl < logrus.ErrorLevel {
		ErrorLogger.SetLevel(lvl)
	}
	return nil
}
