// Package logutil sets up structured logging and rate-limited warning
// logging for repeated malformed-message and reconnection events, in
// the idiom of grafana-tempo's cmd/tempo/app logging setup
// (go-kit/log + level, a logfmt default).
package logutil

import (
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/time/rate"
)

// New builds a leveled go-kit logger writing logfmt to stderr, matching
// the format/output tempo's util/log package configures.
func New(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	lvl := level.AllowInfo()
	switch levelName {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	}
	return level.NewFilter(logger, lvl)
}

// RateLimited wraps a logger so that repeated calls collapse to at most
// one log line per interval — used for the bus loop's malformed-message
// and reconnection-storm paths, where a misbehaving client could
// otherwise flood stderr on every read.
type RateLimited struct {
	next    log.Logger
	limiter *rate.Limiter
}

// NewRateLimited allows at most one log line every interval, with a
// burst of 1 (no bursting past the steady rate — each suppressed call
// is simply dropped, not queued).
func NewRateLimited(next log.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Log implements log.Logger, dropping the line if the rate limit is
// exceeded.
func (r *RateLimited) Log(keyvals ...interface{}) error {
	if !r.limiter.Allow() {
		return nil
	}
	return r.next.Log(keyvals...)
}
