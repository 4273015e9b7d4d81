// Package demux implements the envelope demultiplexer (§4.5): parse the
// outer Envelope, type-switch on its Payload, and route to the Message,
// Command, or File handler. A frame that fails to parse is dropped and
// counted; a connection that racks up too many parse failures within a
// sliding window is closed, mirroring ws/internal/shared/handlers_ws.go's
// message-type switch adapted from WebSocket text frames to this
// server's length-prefixed JSON envelopes.
package demux

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/channel"
	"odin-chat-server/internal/metrics"
	"odin-chat-server/internal/ratelimit"
	"odin-chat-server/internal/wire"
)

// MessageHandler processes an inbound chat message (§4.7).
type MessageHandler interface {
	HandleChatMessage(conn *channel.Connection, msg wire.ChatMessage)
}

// CommandHandler processes a CMD-channel action (§4.6).
type CommandHandler interface {
	HandleCommand(conn *channel.Connection, req wire.CommandRequest)
}

// FileChunkHandler processes one DATA-channel chunk (§4.8).
type FileChunkHandler interface {
	HandleFileChunk(conn *channel.Connection, chunk wire.FileChunk)
}

type protoErrState struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// Demuxer is the shared FrameHandler wired into every one of the three
// channel.Server instances; the same instance handles all three, since
// the Payload's type (not the listening port) determines where a frame
// goes — a client is free to send a CommandRequest on the MSG channel.
type Demuxer struct {
	messages MessageHandler
	commands CommandHandler
	files    FileChunkHandler
	actions  *ratelimit.ActionLimiter
	metrics  *metrics.Registry
	logger   zerolog.Logger

	maxParseFailures int
	failureWindow    time.Duration

	mu     sync.Mutex
	states map[*channel.Connection]*protoErrState
}

type Config struct {
	Messages         MessageHandler
	Commands         CommandHandler
	Files            FileChunkHandler
	Actions          *ratelimit.ActionLimiter // optional; nil disables per-user action throttling
	Metrics          *metrics.Registry
	Logger           zerolog.Logger
	MaxParseFailures int           // §4.5's close-after-N-in-window threshold
	FailureWindow    time.Duration
}

func New(cfg Config) *Demuxer {
	if cfg.MaxParseFailures <= 0 {
		cfg.MaxParseFailures = 10
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	return &Demuxer{
		messages:         cfg.Messages,
		commands:         cfg.Commands,
		files:            cfg.Files,
		actions:          cfg.Actions,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		maxParseFailures: cfg.MaxParseFailures,
		failureWindow:    cfg.FailureWindow,
		states:           make(map[*channel.Connection]*protoErrState),
	}
}

// HandleFrame implements channel.FrameHandler.
func (d *Demuxer) HandleFrame(conn *channel.Connection, payload []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.recordParseFailure(conn, err)
		return
	}

	switch env.Type {
	case wire.PayloadChatMessage:
		var msg wire.ChatMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			d.recordParseFailure(conn, err)
			return
		}
		if userID := conn.UserID(); userID != "" {
			msg.Sender = userID
		}
		d.messages.HandleChatMessage(conn, msg)

	case wire.PayloadCommandRequest:
		var req wire.CommandRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			d.recordParseFailure(conn, err)
			return
		}
		if userID := conn.UserID(); userID != "" {
			req.Sender = userID
		}
		if !req.Action.Recognized() {
			d.logger.Warn().Int32("action", int32(req.Action)).Msg("unrecognized command action, ignoring")
			return
		}
		if d.actions != nil && req.Sender != "" && !d.actions.Allow(req.Sender) {
			if d.metrics != nil {
				d.metrics.CommandsRateLimited.Inc()
			}
			return
		}
		d.commands.HandleCommand(conn, req)

	case wire.PayloadFileChunk:
		var chunk wire.FileChunk
		if err := json.Unmarshal(env.Payload, &chunk); err != nil {
			d.recordParseFailure(conn, err)
			return
		}
		d.files.HandleFileChunk(conn, chunk)

	default:
		d.logger.Warn().Str("type", string(env.Type)).Msg("envelope with unroutable payload type, dropping")
	}

	d.forgetIfClean(conn)
}

func (d *Demuxer) stateFor(conn *channel.Connection) *protoErrState {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[conn]
	if !ok {
		s = &protoErrState{windowStart: time.Now()}
		d.states[conn] = s
	}
	return s
}

func (d *Demuxer) recordParseFailure(conn *channel.Connection, err error) {
	s := d.stateFor(conn)
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.windowStart) > d.failureWindow {
		s.windowStart = now
		s.count = 0
	}
	s.count++
	count := s.count
	s.mu.Unlock()

	d.logger.Warn().Err(err).Int("count_in_window", count).Msg("envelope parse failure")

	if count >= d.maxParseFailures {
		d.logger.Warn().Int("count_in_window", count).Msg("closing connection, too many malformed frames")
		_ = conn.Close()
		d.forget(conn)
	}
}

// forgetIfClean drops a connection's tracked state once its window has
// fully elapsed with no failures, so long-lived well-behaved connections
// don't pin an entry forever.
func (d *Demuxer) forgetIfClean(conn *channel.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[conn]
	if !ok {
		return
	}
	s.mu.Lock()
	clean := s.count == 0 || time.Since(s.windowStart) > d.failureWindow
	s.mu.Unlock()
	if clean {
		delete(d.states, conn)
	}
}

func (d *Demuxer) forget(conn *channel.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, conn)
}
