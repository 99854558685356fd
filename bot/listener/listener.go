// Package listener is the Taiga event notification service. It holds a
// dedicated LISTEN connection to Postgres and forwards timeline events to
// the users holding the scrum master role.
package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/smartist/taigabot/core/logger"
)

// DefaultChannel is the notification channel Taiga triggers write to.
const DefaultChannel = "new_record_channel"

// Processor consumes one decoded notification payload.
type Processor interface {
	Process(ctx context.Context, payload json.RawMessage) error
}

// Config tunes the listen loop.
type Config struct {
	Channel        string
	ReconnectDelay time.Duration
	KeepAlive      time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 10 * time.Second
	}
	return cfg
}

// Listener owns the long-lived notification connection.
type Listener struct {
	dsn       string
	cfg       Config
	processor Processor
}

func New(dsn string, cfg Config, processor Processor) *Listener {
	return &Listener{dsn: dsn, cfg: cfg.withDefaults(), processor: processor}
}

// Run listens until the context is cancelled. A transient connection error
// never terminates the loop: it is logged and the library reconnects after
// a bounded delay.
func (l *Listener) Run(ctx context.Context) error {
	log := logger.LSTN
	pl := pq.NewListener(l.dsn, l.cfg.ReconnectDelay, time.Minute,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				log.Error("listener connection event", "event", int(event), "error", err.Error())
			}
		})
	defer pl.Close()

	if err := pl.Listen(l.cfg.Channel); err != nil {
		return err
	}
	log.Info("listening", "channel", l.cfg.Channel)

	keepAlive := time.NewTicker(l.cfg.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, stopping listener")
			return ctx.Err()
		case n := <-pl.Notify:
			// nil notification signals a reconnect
			if n == nil {
				continue
			}
			l.handle(ctx, n)
		case <-keepAlive.C:
			if err := pl.Ping(); err != nil {
				log.Error("keep-alive ping failed", "error", err.Error())
			}
		}
	}
}

func (l *Listener) handle(ctx context.Context, n *pq.Notification) {
	log := logger.LSTN
	if !json.Valid([]byte(n.Extra)) {
		log.Error("failed to decode payload", "payload", n.Extra)
		return
	}
	if err := l.processor.Process(ctx, json.RawMessage(n.Extra)); err != nil {
		log.Error("error processing notification", "error", err.Error())
	}
}
