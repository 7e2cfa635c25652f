package utils

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a new logger instance
func NewLogger(level string) *logrus.Logger {
	return NewLoggerWithFormat(level, "")
}

// NewLoggerWithFormat creates a logger with a "json" or "text" formatter
func NewLoggerWithFormat(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	if level != "" {
		switch strings.ToUpper(level) {
		case "DEBUG":
			logger.SetLevel(logrus.DebugLevel)
		case "INFO":
			logger.SetLevel(logrus.InfoLevel)
		case "WARN":
			logger.SetLevel(logrus.WarnLevel)
		case "ERROR":
			logger.SetLevel(logrus.ErrorLevel)
		}
	}

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}
