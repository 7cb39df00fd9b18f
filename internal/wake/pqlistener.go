package wake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Notification channels raised by the store's triggers.
const (
	ChannelCommands    = "bridge_commands"
	ChannelCommitments = "bridge_commitments"
)

const pingInterval = 90 * time.Second

// PQListener runs LISTEN on Postgres notification channels.
type PQListener struct {
	dsn      string
	handlers map[string]func()
	logger   *slog.Logger
}

// NewPQListener creates a listener for dsn.
func NewPQListener(dsn string, logger *slog.Logger) *PQListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PQListener{dsn: dsn, handlers: make(map[string]func()), logger: logger.With("component", "wake")}
}

// On registers fn for channel. Call before Run.
func (l *PQListener) On(channel string, fn func()) {
	l.handlers[channel] = fn
}

// Run listens until ctx is done. The connection is re-established by pq
// with backoff; after a reconnect every handler fires once since
// notifications may have been missed.
func (l *PQListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.logger.Warn("listener connection problem", "event", ev, "error", err)
		case pq.ListenerEventReconnected:
			l.logger.Info("listener reconnected")
		}
	})
	defer listener.Close()

	for ch := range l.handlers {
		if err := listener.Listen(ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info("listening for notifications", "channels", len(l.handlers))

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			l.dispatch(n)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("listener ping", "error", err)
				}
			}()
		}
	}
}

// dispatch routes one notification. A nil notification follows a reconnect.
func (l *PQListener) dispatch(n *pq.Notification) {
	if n == nil {
		for _, fn := range l.handlers {
			fn()
		}
		return
	}
	if fn, ok := l.handlers[n.Channel]; ok {
		l.logger.Debug("notification", "channel", n.Channel, "payload", n.Extra)
		fn()
	}
}
