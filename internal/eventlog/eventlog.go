// Package eventlog tags structured log events by feature area and keeps a
// monotonic counter per feature/event pair for diagnostics.
//
// Example:
//
//	events := eventlog.New(logger)
//	log := events.For("delivery")
//	log.Event("sent", logrus.Fields{"message_id": id})
//	events.Count("delivery.sent") // 1
package eventlog

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Feature names used across the realtime core.
const (
	FeatureDelivery  = "delivery"
	FeatureTyping    = "typing"
	FeaturePresence  = "presence"
	FeatureRealtime  = "realtime"
	FeatureTransport = "transport"
	FeatureSink      = "sink"
	FeatureHTTP      = "http"
)

// NewLogger builds a logrus logger from textual level and format settings.
// An empty level means info; format is "text" or "json".
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	if strings.TrimSpace(level) == "" {
		level = logrus.InfoLevel.String()
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}

// Log is the process event logger shared by every feature.
type Log struct {
	logger *logrus.Logger

	mu       sync.Mutex
	counters map[string]uint64
}

// New wraps logger; a nil logger falls back to the logrus standard logger.
func New(logger *logrus.Logger) *Log {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Log{
		logger:   logger,
		counters: make(map[string]uint64),
	}
}

// Discard returns a Log that counts but writes nothing. Useful in tests.
func Discard() *Log {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

// For returns the logger for one feature area.
func (l *Log) For(feature string) *Feature {
	return &Feature{
		log:   l,
		name:  feature,
		entry: l.logger.WithField("feature", feature),
	}
}

// Logger exposes the underlying logrus logger.
func (l *Log) Logger() *logrus.Logger {
	return l.logger
}

func (l *Log) incr(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[key]++
	return l.counters[key]
}

// Count returns the counter for "feature.event".
func (l *Log) Count(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[key]
}

// Counters returns a snapshot of every counter.
func (l *Log) Counters() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.counters))
	for k, v := range l.counters {
		out[k] = v
	}
	return out
}

// Keys lists counter names in sorted order.
func (l *Log) Keys() []string {
	l.mu.Lock()
	keys := make([]string, 0, len(l.counters))
	for k := range l.counters {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Feature logs and counts events for one feature area.
type Feature struct {
	log   *Log
	name  string
	entry *logrus.Entry
}

func (f *Feature) Name() string {
	return f.name
}

func (f *Feature) with(event string, fields logrus.Fields) *logrus.Entry {
	n := f.log.incr(f.name + "." + event)
	entry := f.entry.WithField("event", event).WithField("seq", n)
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	return entry
}

// Event records a routine event at debug level.
func (f *Feature) Event(event string, fields logrus.Fields) {
	f.with(event, fields).Debug(event)
}

// Info records a noteworthy state change.
func (f *Feature) Info(event string, fields logrus.Fields) {
	f.with(event, fields).Info(event)
}

func (f *Feature) Warn(event string, err error, fields logrus.Fields) {
	entry := f.with(event, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(event)
}

func (f *Feature) Error(event string, err error, fields logrus.Fields) {
	entry := f.with(event, fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}

// Count returns this feature's counter for event.
func (f *Feature) Count(event string) uint64 {
	return f.log.Count(f.name + "." + event)
}
