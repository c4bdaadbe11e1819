package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// PrefixLogger wraps a logrus.Entry, tagging every line with a short
// component prefix (e.g. "registrar", "verifier", "tpm") the way the
// rest of the codebase tags goroutine-scoped log lines.
type PrefixLogger struct {
	entry *logrus.Entry
}

// NewPrefixLogger returns a PrefixLogger that prefixes every message
// with the given component name.
func NewPrefixLogger(prefix string) *PrefixLogger {
	return &PrefixLogger{entry: logrus.StandardLogger().WithField("component", prefix)}
}

// NewPrefixLoggerFromLogger builds a PrefixLogger from a preexisting
// logrus.Logger instead of the package-level standard logger.
func NewPrefixLoggerFromLogger(prefix string, logger *logrus.Logger) *PrefixLogger {
	return &PrefixLogger{entry: logger.WithField("component", prefix)}
}

func (l *PrefixLogger) WithField(key string, value interface{}) *PrefixLogger {
	return &PrefixLogger{entry: l.entry.WithField(key, value)}
}

func (l *PrefixLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *PrefixLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *PrefixLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *PrefixLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *PrefixLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *PrefixLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *PrefixLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *PrefixLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *PrefixLogger) Error(args ...interface{}) { l.entry.Error(args...) }

// Logger exposes the underlying *logrus.Logger, for libraries (gorm,
// cron) that want a standard logger interface.
func (l *PrefixLogger) Logger() *logrus.Logger {
	return l.entry.Logger
}

// InitLogs configures the standard logrus logger (text formatter,
// timestamps, output to stderr) and returns it. Called once from each
// cmd/ entrypoint, and from tests that need a throwaway logger.
func InitLogs(level ...string) *logrus.Logger {
	logger := logrus.StandardLogger()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	lvl := logrus.InfoLevel
	if len(level) > 0 && level[0] != "" {
		if parsed, err := logrus.ParseLevel(level[0]); err == nil {
			lvl = parsed
		}
	}
	logger.SetLevel(lvl)
	return logger
}
