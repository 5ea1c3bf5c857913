// Package notify delivers notifications to named channels. A channel fans out
// to one or more transports and may be throttled by a shared token bucket.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/telemetry"
)

// LogChannel is always registered and only writes to the process log.
const LogChannel = "log"

// ErrThrottled is returned when a channel's rate limit rejects a delivery.
var ErrThrottled = errors.New("channel throttled")

// Transport sends one notification somewhere.
type Transport interface {
	Name() string
	Send(ctx context.Context, n models.Notification) error
}

// Limiter gates deliveries per channel.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

type channel struct {
	transports []Transport
	limiter    Limiter
}

// Router maps channel names to transports.
type Router struct {
	channels map[string]*channel
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{channels: make(map[string]*channel), logger: logger}
	r.Add(LogChannel, NewLog(logger))
	return r
}

// Add appends transports to a channel, creating it when needed.
func (r *Router) Add(name string, transports ...Transport) {
	ch, ok := r.channels[name]
	if !ok {
		ch = &channel{}
		r.channels[name] = ch
	}
	ch.transports = append(ch.transports, transports...)
}

// Throttle installs a limiter on a channel.
func (r *Router) Throttle(name string, l Limiter) {
	if ch, ok := r.channels[name]; ok {
		ch.limiter = l
	}
}

func (r *Router) Has(name string) bool {
	_, ok := r.channels[name]
	return ok
}

// Channels lists registered channel names.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Deliver sends n to every transport of the channel. All transports are tried;
// the returned error joins their failures.
func (r *Router) Deliver(ctx context.Context, name string, n models.Notification) error {
	ch, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("unknown notification channel %q", name)
	}
	if ch.limiter != nil {
		allowed, _, err := ch.limiter.Allow(ctx, name)
		if err != nil {
			r.logger.Warn("rate limiter unavailable, delivering anyway", "channel", name, "error", err)
		} else if !allowed {
			telemetry.ChannelThrottled.WithLabelValues(name).Inc()
			return fmt.Errorf("%w: %s", ErrThrottled, name)
		}
	}
	var errs []error
	for _, t := range ch.transports {
		if err := t.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s via %s: %w", name, t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
