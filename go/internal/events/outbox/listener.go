package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL  string        `yaml:"-"`
	Channel      string        `yaml:"channel"`
	PingInterval time.Duration `yaml:"ping_interval"`
	MinReconnect time.Duration `yaml:"min_reconnect"`
	MaxReconnect time.Duration `yaml:"max_reconnect"`
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Channel:      NotifyChannel,
		PingInterval: 90 * time.Second,
		MinReconnect: 10 * time.Second,
		MaxReconnect: time.Minute,
	}
}

// Listener turns Postgres notifications on the outbox channel into drain
// loop wake-ups. It never publishes anything itself.
type Listener struct {
	listener *pq.Listener
	cfg      ListenerConfig
}

func NewListener(cfg ListenerConfig) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnect,
		cfg.MaxReconnect,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("outbox listener event")
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen to channel %s: %w", cfg.Channel, err)
	}

	log.Info().
		Str("channel", cfg.Channel).
		Msg("listening for outbox notifications")

	return &Listener{listener: l, cfg: cfg}, nil
}

// Run calls wake for every notification until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, wake func()) error {
	pingTicker := time.NewTicker(l.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox listener shutting down")
			return l.listener.Close()
		case note := <-l.listener.Notify:
			// A nil notification follows a reconnect; anything sent while
			// disconnected was lost, so wake anyway.
			if note != nil {
				log.Debug().Str("outbox_id", note.Extra).Msg("outbox notification")
			}
			wake()
		case <-pingTicker.C:
			if err := l.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping outbox listener")
			}
		}
	}
}
