// logging.go - Logger construction and rate limited guest notices
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// guestNoticeInterval bounds how often a guest can make a CPU log the
// same class of notice (self switches, faults after the commit point).
const guestNoticeInterval = 250 * time.Millisecond

// LogConfig selects level and output format of the base logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "text" or "json"
}

// NewBaseLogger builds the process logger shared by all CPUs.
func NewBaseLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)

	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return l, nil
}

type rateLimitedLog struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

func newRateLimitedLog(entry *logrus.Entry, every time.Duration) *rateLimitedLog {
	return &rateLimitedLog{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimitedLog) Infof(format string, args ...any) {
	if rl.limit.Allow() {
		rl.entry.Infof(format, args...)
	}
}

func (rl *rateLimitedLog) Warnf(format string, args ...any) {
	if rl.limit.Allow() {
		rl.entry.Warnf(format, args...)
	}
}
