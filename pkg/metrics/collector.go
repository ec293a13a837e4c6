// Package metrics собирает Prometheus метрики A2DP конвейера.
//
// Все методы Collector безопасны для nil получателя, поэтому компоненты
// могут работать без метрик.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Причины отброса RTP пакетов
const (
	DropPollTimeout = "poll_timeout"
	DropPollFailed  = "poll_failed"
	DropSendFailed  = "send_failed"
	DropBrokenPipe  = "broken_pipe"
	DropStandby     = "standby"
)

// Причины отброса PCM кадров в writer
const (
	DiscardStandby        = "standby"
	DiscardTransportError = "transport_error"
	DiscardRetryExhausted = "retry_exhausted"
)

// Config конфигурация метрик
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Namespace: "a2dp",
		Subsystem: "sink",
	}
}

// Collector метрики A2DP конвейера
type Collector struct {
	packetsSent     prometheus.Counter
	bytesSent       prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	framesWritten   prometheus.Counter
	framesDiscarded *prometheus.CounterVec
	writeErrors     *prometheus.CounterVec
	standbyTotal    prometheus.Counter
	transitions     *prometheus.CounterVec
	controlRequests *prometheus.CounterVec
	sessionState    *prometheus.GaugeVec
	bufferFill      prometheus.Gauge
}

// NewCollector создает метрики и регистрирует их в reg (если reg не nil)
func NewCollector(reg prometheus.Registerer, cfg Config) *Collector {
	c := &Collector{
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rtp_packets_sent_total",
			Help:      "Total number of RTP packets sent to the sink",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rtp_bytes_sent_total",
			Help:      "Total number of RTP bytes sent to the sink",
		}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rtp_packets_dropped_total",
			Help:      "Total number of RTP packets dropped before reaching the sink",
		}, []string{"reason"}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pcm_frames_written_total",
			Help:      "Total number of PCM frames accepted from the mixer",
		}),
		framesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "pcm_frames_discarded_total",
			Help:      "Total number of buffered PCM frames discarded by the writer",
		}, []string{"reason"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "write_errors_total",
			Help:      "Total number of failed stream writes by error code",
		}, []string{"code"}),
		standbyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "standby_total",
			Help:      "Total number of transitions into standby",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_transitions_total",
			Help:      "Total number of A2DP session state transitions",
		}, []string{"from", "to"}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "control_requests_total",
			Help:      "Total number of control channel requests by opcode and result",
		}, []string{"opcode", "result"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "session_state",
			Help:      "Current A2DP session state (1 for the active state)",
		}, []string{"state"}),
		bufferFill: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "ring_buffer_frames",
			Help:      "Number of PCM frames waiting in the ring buffer",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.packetsSent,
			c.bytesSent,
			c.packetsDropped,
			c.framesWritten,
			c.framesDiscarded,
			c.writeErrors,
			c.standbyTotal,
			c.transitions,
			c.controlRequests,
			c.sessionState,
			c.bufferFill,
		)
	}
	return c
}

// PacketSent учитывает отправленный RTP пакет
func (c *Collector) PacketSent(bytes int) {
	if c == nil {
		return
	}
	c.packetsSent.Inc()
	c.bytesSent.Add(float64(bytes))
}

// PacketDropped учитывает отброшенный RTP пакет
func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.packetsDropped.WithLabelValues(reason).Inc()
}

// FramesWritten учитывает кадры, принятые от микшера
func (c *Collector) FramesWritten(frames int) {
	if c == nil {
		return
	}
	c.framesWritten.Add(float64(frames))
}

// FramesDiscarded учитывает кадры, отброшенные writer'ом
func (c *Collector) FramesDiscarded(reason string, frames int) {
	if c == nil {
		return
	}
	c.framesDiscarded.WithLabelValues(reason).Add(float64(frames))
}

// WriteError учитывает неудачную запись
func (c *Collector) WriteError(code string) {
	if c == nil {
		return
	}
	c.writeErrors.WithLabelValues(code).Inc()
}

// Standby учитывает переход в standby
func (c *Collector) Standby() {
	if c == nil {
		return
	}
	c.standbyTotal.Inc()
}

// Transition учитывает переход сессии
func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
	c.sessionState.WithLabelValues(from).Set(0)
	c.sessionState.WithLabelValues(to).Set(1)
}

// ControlRequest учитывает запрос control канала
func (c *Collector) ControlRequest(opcode string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.controlRequests.WithLabelValues(opcode, result).Inc()
}

// BufferFill обновляет заполненность кольцевого буфера
func (c *Collector) BufferFill(frames int) {
	if c == nil {
		return
	}
	c.bufferFill.Set(float64(frames))
}
