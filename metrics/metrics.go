package metrics

import (
	"net/http"
	"strconv"

	"ffqueue/task"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a task.Listener that exports queue activity to Prometheus.
type Metrics struct {
	gatherer prometheus.Gatherer

	ConversionsStarted  prometheus.Counter
	ConversionsFinished *prometheus.CounterVec
	QueueDrained        prometheus.Counter
	Running             prometheus.Gauge
	Progress            prometheus.Gauge
}

var _ task.Listener = (*Metrics)(nil)

func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		ConversionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "ffqueue_conversions_started_total",
			Help: "Conversions handed to the converter",
		}),
		ConversionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ffqueue_conversions_finished_total",
			Help: "Conversions that reached a terminal state",
		}, []string{"result", "exit_code"}),
		QueueDrained: f.NewCounter(prometheus.CounterOpts{
			Name: "ffqueue_queue_drained_total",
			Help: "Times the queue ran out of queued tasks",
		}),
		Running: f.NewGauge(prometheus.GaugeOpts{
			Name: "ffqueue_conversion_running",
			Help: "1 while a conversion is running",
		}),
		Progress: f.NewGauge(prometheus.GaugeOpts{
			Name: "ffqueue_conversion_progress_percent",
			Help: "Progress of the running conversion",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConversionStarted(int, task.Parameters) {
	m.ConversionsStarted.Inc()
	m.Running.Set(1)
	m.Progress.Set(0)
}

func (m *Metrics) ProgressUpdated(_ int, percent int) {
	m.Progress.Set(float64(percent))
}

func (m *Metrics) TaskFinished(exitCode int) {
	result := "success"
	if exitCode != 0 {
		result = "failure"
	}
	m.ConversionsFinished.WithLabelValues(result, strconv.Itoa(exitCode)).Inc()
	m.Running.Set(0)
}

// ConversionStopped clears the gauges; the stopped task goes back in the queue
// and is not counted as finished.
func (m *Metrics) ConversionStopped(int) {
	m.Running.Set(0)
	m.Progress.Set(0)
}

func (m *Metrics) AllTasksFinished() {
	m.QueueDrained.Inc()
	m.Running.Set(0)
	m.Progress.Set(0)
}
