package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hearth/backend/internal/config"
	"github.com/hearth/backend/internal/db"
	"github.com/hearth/backend/internal/logging"
	"github.com/hearth/backend/internal/metrics"
)

// Context holds the process-wide collaborators built once by serve and
// handed to every component that needs them.
type Context struct {
	Config   config.Config
	Logger   *slog.Logger
	Pool     db.Pool
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	// Redis is nil unless HEARTH_REDIS_URL is set.
	Redis *redis.Client
}

// NewContext builds the logger, metrics registry and optional Redis client.
func NewContext(cfg config.Config, logOut io.Writer, pool db.Pool) (*Context, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Context{
		Config:   cfg,
		Logger:   logging.New(logOut, cfg.LogLevel, cfg.LogFormat),
		Pool:     pool,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.Redis = redis.NewClient(opts)
	}
	return c, nil
}

// Close releases the Redis client. The pool belongs to the caller.
func (c *Context) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}
