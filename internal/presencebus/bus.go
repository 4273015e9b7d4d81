// Package presencebus carries presence and group-notification events (a
// user fully bound or unbound, group membership changes) over an
// embedded, loopback-only NATS core server: internal/registry publishes
// presence events and internal/handlers/command publishes group notices.
// Nothing in the server subscribes to them; FRIEND_ONLINE is pushed
// directly by ONLINE_INIT. Bus is nil-safe on Publish, so the server runs
// unchanged if presencebus is never started; NATS is not load-bearing
// correctness, only a seam for a multi-instance deployment.
package presencebus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SubjectFriendOnline  = "odin.presence.friend_online"
	SubjectFriendOffline = "odin.presence.friend_offline"
	SubjectGroupNotice   = "odin.group.notice"
)

// PresenceEvent is published whenever the registry binds or fully
// unbinds a user (§4.4's FRIEND_ONLINE/FRIEND_OFFLINE triggers).
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// GroupNotice is published on membership-affecting group commands so
// every process watching a group can react without a direct call into
// the command handler that made the change.
type GroupNotice struct {
	GroupID string `json:"group_id"`
	Kind    string `json:"kind"` // "member_added", "member_removed", "disbanded", ...
}

// Bus wraps an embedded NATS server plus a loopback client connection,
// mirroring go-server/pkg/nats.Client's connect/reconnect/error-handler
// wiring, narrowed to publish/subscribe-by-struct for this server's two
// event types instead of the market-data subject builders the teacher
// used it for.
type Bus struct {
	ns     *server.Server
	nc     *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Start launches an embedded NATS core server bound to loopback only and
// connects a client to it. The server listens on an ephemeral port.
func Start(logger zerolog.Logger) (*Bus, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           -1, // ephemeral, in-process only
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("presencebus: new embedded server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("presencebus: embedded server not ready")
	}

	nc, err := nats.Connect(ns.ClientURL(),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(200*time.Millisecond),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Warn().Err(err).Str("subject", subjectOf(s)).Msg("presencebus nats error")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("presencebus disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Msg("presencebus reconnected")
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("presencebus: connect: %w", err)
	}

	return &Bus{ns: ns, nc: nc, logger: logger}, nil
}

// Connect attaches to an already-running NATS deployment instead of
// spawning the embedded loopback-only server, for the multi-instance
// deployment the embedded server is deliberately a placeholder for (see
// DESIGN.md). Used when ODIN_PRESENCE_BUS_URL names an external server.
func Connect(url string, logger zerolog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(200*time.Millisecond),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Warn().Err(err).Str("subject", subjectOf(s)).Msg("presencebus nats error")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("presencebus disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Msg("presencebus reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("presencebus: connect external %s: %w", url, err)
	}
	return &Bus{nc: nc, logger: logger}, nil
}

func subjectOf(s *nats.Subscription) string {
	if s == nil {
		return ""
	}
	return s.Subject
}

// PublishPresence is a no-op on a nil *Bus, so callers don't need to
// branch on whether presence fanout is enabled.
func (b *Bus) PublishPresence(ev PresenceEvent) {
	if b == nil {
		return
	}
	subject := SubjectFriendOffline
	if ev.Online {
		subject = SubjectFriendOnline
	}
	b.publish(subject, ev)
}

func (b *Bus) PublishGroupNotice(n GroupNotice) {
	if b == nil {
		return
	}
	b.publish(SubjectGroupNotice, n)
}

func (b *Bus) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("presencebus marshal failed")
		return
	}
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("presencebus publish failed")
	}
}

// SubscribePresence registers handler for every presence event, online
// or offline; the embedded server delivers it in-process with no
// network hop since the client dialed loopback.
func (b *Bus) SubscribePresence(handler func(PresenceEvent)) error {
	if b == nil {
		return nil
	}
	sub := func(subject string, online bool) error {
		s, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			var ev PresenceEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				b.logger.Warn().Err(err).Msg("presencebus malformed presence event")
				return
			}
			handler(ev)
		})
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.subs = append(b.subs, s)
		b.mu.Unlock()
		return nil
	}
	if err := sub(SubjectFriendOnline, true); err != nil {
		return err
	}
	return sub(SubjectFriendOffline, false)
}

func (b *Bus) SubscribeGroupNotice(handler func(GroupNotice)) error {
	if b == nil {
		return nil
	}
	s, err := b.nc.Subscribe(SubjectGroupNotice, func(msg *nats.Msg) {
		var n GroupNotice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.logger.Warn().Err(err).Msg("presencebus malformed group notice")
			return
		}
		handler(n)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return nil
}

// Close tears down the client and the embedded server.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.mu.Unlock()
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
	}
}
