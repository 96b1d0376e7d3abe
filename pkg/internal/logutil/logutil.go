package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("DISCV5_LOG_JSON") == "1" || os.Getenv("DISCV5_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

// SetJSON switches loggers created afterwards by New to JSON output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// ParseLevel maps an operator supplied verbosity to a logrus level.
// The empty string means info.
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("logutil: unknown level %q (want trace|debug|info|warn|error)", s)
}

// New builds the process logger. Timestamps are UTC.
func New(w io.Writer, level logrus.Level) *logrus.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	if jsonMode.Load() {
		l.SetFormatter(&utcFormatter{inner: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}})
	} else {
		l.SetFormatter(&utcFormatter{inner: &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339}})
	}
	return l
}

type utcFormatter struct{ inner logrus.Formatter }

func (f *utcFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return f.inner.Format(e)
}

// Or returns l, or the logrus standard logger when l is nil.
func Or(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}

func Debugf(l logrus.FieldLogger, f string, args ...any) { Or(l).Debugf(f, args...) }
func Infof(l logrus.FieldLogger, f string, args ...any)  { Or(l).Infof(f, args...) }
func Warnf(l logrus.FieldLogger, f string, args ...any)  { Or(l).Warnf(f, args...) }
func Errorf(l logrus.FieldLogger, f string, args ...any) { Or(l).Errorf(f, args...) }
