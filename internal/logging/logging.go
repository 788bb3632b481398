// Package logging configures logrus output for the AlexaHub service and
// provides the Gin middleware and the in-memory ring buffer backing the
// recent-logs endpoint.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skybridge-home/alexahub/internal/config"
)

var recentLogs = NewRingBuffer(DefaultBufferSize)

func init() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.AddHook(recentLogs)
}

// RecentEntries returns the newest entries captured by the ring buffer hook,
// oldest first, up to limit.
func RecentEntries(limit int) []LogEntry {
	return recentLogs.Tail(limit)
}

// SetLogLevel applies the configured log level. Debug wins over log-level.
func SetLogLevel(cfg *config.Config) {
	if cfg != nil && cfg.Debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	level := ""
	if cfg != nil {
		level = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	}
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "", "info":
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.InfoLevel)
		log.Warnf("unknown log-level %q, using info", level)
	}
}

// ConfigureLogOutput routes log output to a rotating file under the auth
// directory when logging-to-file is set, otherwise to stdout.
func ConfigureLogOutput(cfg *config.Config) {
	if cfg == nil || !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return
	}
	logDir := filepath.Join(cfg.AuthDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		log.WithError(err).Warn("failed to create log directory, logging to stdout")
		log.SetOutput(os.Stdout)
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   filepath.Join(logDir, "alexahub.log"),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	})
}
