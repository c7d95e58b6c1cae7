package utils

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	loggerMu sync.Mutex
	logger   *logrus.Logger
)

// InitLogger configures the process-wide logger. Later calls reconfigure
// it, which tests use to redirect or silence output.
func InitLogger(level, format, output, file string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return NewAppError(ErrCodeConfiguration, "Invalid log level", level)
	}

	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: logTimestampFormat}
	default:
		formatter = &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		}
	}

	var out io.Writer = os.Stdout
	if output == "file" && file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return NewAppError(ErrCodeConfiguration, "Cannot open log file", err.Error())
		}
		out = f
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()

	logger = logrus.New()
	logger.SetLevel(parsed)
	logger.SetFormatter(formatter)
	logger.SetOutput(out)

	return nil
}

// GetLogger returns the process-wide logger. When InitLogger has not run
// yet it configures info-level JSON output to stdout so early callers
// never receive nil.
func GetLogger() *logrus.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: logTimestampFormat})
		logger.SetOutput(os.Stdout)
	}

	return logger
}
