package notify

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/ratelimit"
)

// FromConfig builds a router from the configured channels. Channels named by
// the routing table but not configured fall back to the log transport so an
// alert is never silently dropped. When nc is set every configured channel
// also publishes to NATS. rdb and nc may be nil.
func FromConfig(cfg config.Config, rdb *redis.Client, nc *nats.Conn, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRouter(logger)
	for name, ch := range cfg.Channels {
		if len(ch.URLs) > 0 {
			r.Add(name, NewShoutrrr(ch.URLs))
		}
		switch {
		case nc != nil:
			subject := ch.NATSSubject
			if subject == "" {
				subject = "dq.notifications." + name
			}
			r.Add(name, NewNATS(nc, subject))
		case ch.NATSSubject != "":
			logger.Warn("channel has a nats subject but NATS_URL is not set", "channel", name)
		}
		if !r.Has(name) {
			logger.Warn("channel has no transports, using log", "channel", name)
			r.Add(name, NewLog(logger))
		}
		if ch.RateLimitCapacity > 0 && rdb != nil {
			refill := ch.RateLimitRefill
			if refill <= 0 {
				refill = float64(ch.RateLimitCapacity) / 60
			}
			r.Throttle(name, ratelimit.NewTokenBucket(rdb, cfg.KeyPrefix+":ratelimit:", ch.RateLimitCapacity, refill, time.Hour))
		}
	}

	referenced := append([]string(nil), cfg.OperationalChannels...)
	for _, chans := range cfg.Routing {
		referenced = append(referenced, chans...)
	}
	for _, name := range referenced {
		if !r.Has(name) {
			logger.Warn("routed channel is not configured, using log", "channel", name)
			r.Add(name, NewLog(logger.With("channel", name)))
		}
	}
	return r
}
