// Package metrics exposes the server's Prometheus registry, following the
// metric families the teacher's WebSocket server scrapes, renamed to the
// chat domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	Disconnects         *prometheus.CounterVec

	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	MessagesDropped  prometheus.Counter

	CommandsHandled     *prometheus.CounterVec
	CommandsUnknown     prometheus.Counter
	CommandsRateLimited prometheus.Counter

	FilesUploaded    prometheus.Counter
	FilesDeduped     prometheus.Counter
	FilesDownloaded  prometheus.Counter
	BytesTransferred prometheus.Counter

	TasksDropped prometheus.Gauge
	HeartbeatUnbinds prometheus.Counter

	reg *prometheus.Registry
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odin_connections_active", Help: "Current number of live channel connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_connections_total", Help: "Total accepted connections across all channels.",
		}),
		ConnectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_connections_rejected_total", Help: "Connections rejected by rate limiting or CPU admission control.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_disconnects_total", Help: "Disconnections by reason.",
		}, []string{"reason"}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_messages_received_total", Help: "Chat messages received from clients.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_messages_sent_total", Help: "Chat messages forwarded to live recipients.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_messages_dropped_total", Help: "Chat messages not forwarded (blocked receiver or full send buffer).",
		}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odin_commands_handled_total", Help: "CommandRequests handled, by action.",
		}, []string{"action"}),
		CommandsUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_commands_unknown_total", Help: "CommandRequests with an unrecognized action.",
		}),
		CommandsRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_commands_rate_limited_total", Help: "CommandRequests dropped by the per-user action rate limiter.",
		}),
		FilesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_files_uploaded_total", Help: "Files committed after a new upload.",
		}),
		FilesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_files_deduped_total", Help: "Uploads short-circuited by an existing file-hash match.",
		}),
		FilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_files_downloaded_total", Help: "Completed download streams.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_file_bytes_transferred_total", Help: "File bytes streamed in either direction.",
		}),
		TasksDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odin_reactor_tasks_dropped", Help: "Reactor tasks dropped because the worker queue was full.",
		}),
		HeartbeatUnbinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odin_heartbeat_unbinds_total", Help: "Users unbound after missing two consecutive heartbeats.",
		}),
		reg: reg,
	}

	reg.MustRegister(
		r.ConnectionsActive, r.ConnectionsTotal, r.ConnectionsRejected, r.Disconnects,
		r.MessagesReceived, r.MessagesSent, r.MessagesDropped,
		r.CommandsHandled, r.CommandsUnknown, r.CommandsRateLimited,
		r.FilesUploaded, r.FilesDeduped, r.FilesDownloaded, r.BytesTransferred,
		r.TasksDropped, r.HeartbeatUnbinds,
	)
	return r
}

// Handler returns the /metrics HTTP handler for promhttp.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
