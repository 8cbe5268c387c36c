// Package observability keeps the Prometheus counters of the durability
// core and serves them over HTTP.
package observability

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metrics collects counters in its own registry. A nil *Metrics is valid
// and records nothing, so components can take one as an optional
// dependency.
type Metrics struct {
	registry *prometheus.Registry

	entriesAppended  prometheus.Counter
	entriesArchived  prometheus.Counter
	commits          prometheus.Counter
	replicaWaitsOK   prometheus.Counter
	replicaWaitsFail prometheus.Counter
	payloadsInline   prometheus.Counter
	payloadsExternal prometheus.Counter
	payloadBytes     prometheus.Counter
	prefixDropped    prometheus.Counter
	replayMismatches prometheus.Counter
	shardRejections  prometheus.Counter
	hostCalls        *prometheus.CounterVec

	// scalars lists the unlabelled counters by their full name.
	scalars map[string]prometheus.Counter
}

// New returns a metrics set registered in a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry(), scalars: map[string]prometheus.Counter{}}

	counter := func(subsystem, name, help string) prometheus.Counter {
		opts := prometheus.CounterOpts{Namespace: "durable", Subsystem: subsystem, Name: name, Help: help}
		c := prometheus.NewCounter(opts)
		m.registry.MustRegister(c)
		m.scalars[prometheus.BuildFQName(opts.Namespace, opts.Subsystem, opts.Name)] = c
		return c
	}
	m.entriesAppended = counter("oplog", "entries_appended_total", "Oplog entries written to primary storage.")
	m.entriesArchived = counter("oplog", "entries_archived_total", "Oplog entries moved to the archive by compaction.")
	m.commits = counter("oplog", "commits_total", "Commits that flushed at least one entry.")
	m.prefixDropped = counter("oplog", "prefix_dropped_total", "Oplog entries removed from primary storage by compaction.")
	m.payloadBytes = counter("oplog", "payload_bytes_total", "Bytes of recorded payloads.")
	m.payloadsInline = counter("oplog", "payloads_inline_total", "Payloads kept inline in their entry.")
	m.payloadsExternal = counter("oplog", "payloads_external_total", "Payloads moved to blob storage.")
	m.replayMismatches = counter("", "replay_mismatches_total", "Divergences between recorded history and running code.")
	m.shardRejections = counter("", "shard_rejections_total", "Workers refused by the shard ownership check.")
	m.replicaWaitsOK = counter("", "replica_waits_acked_total", "Replica waits acknowledged in time.")
	m.replicaWaitsFail = counter("", "replica_waits_timed_out_total", "Replica waits that timed out or failed.")

	m.hostCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "durable",
		Name:      "host_calls_total",
		Help:      "Durable host function calls by function and mode (live or replay).",
	}, []string{"function", "mode"})
	m.registry.MustRegister(m.hostCalls)
	return m
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// EntriesAppended counts entries written to storage.
func (m *Metrics) EntriesAppended(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesAppended.Add(float64(n))
}

// EntriesArchived counts entries compaction moved to the archive.
func (m *Metrics) EntriesArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.entriesArchived.Add(float64(n))
}

// Committed counts commit calls that flushed at least one entry.
func (m *Metrics) Committed() {
	if m == nil {
		return
	}
	m.commits.Inc()
}

// ReplicaWait records the outcome of a bounded replica wait.
func (m *Metrics) ReplicaWait(acknowledged bool) {
	if m == nil {
		return
	}
	if acknowledged {
		m.replicaWaitsOK.Inc()
	} else {
		m.replicaWaitsFail.Inc()
	}
}

// PayloadUploaded records a payload and whether it went to blob storage.
func (m *Metrics) PayloadUploaded(external bool, size int) {
	if m == nil {
		return
	}
	if external {
		m.payloadsExternal.Inc()
	} else {
		m.payloadsInline.Inc()
	}
	m.payloadBytes.Add(float64(size))
}

// PrefixDropped counts entries removed by compaction.
func (m *Metrics) PrefixDropped(n uint64) {
	if m == nil {
		return
	}
	m.prefixDropped.Add(float64(n))
}

// ReplayMismatch counts divergences between recorded and running code.
func (m *Metrics) ReplayMismatch() {
	if m == nil {
		return
	}
	m.replayMismatches.Inc()
}

// ShardRejected counts workers refused by the shard ownership check.
func (m *Metrics) ShardRejected() {
	if m == nil {
		return
	}
	m.shardRejections.Inc()
}

// HostCall counts a durable host function call, live or replayed.
func (m *Metrics) HostCall(function string, live bool) {
	if m == nil {
		return
	}
	mode := "replay"
	if live {
		mode = "live"
	}
	m.hostCalls.WithLabelValues(function, mode).Inc()
}

// Snapshot returns the unlabelled counters by metric name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := map[string]uint64{}
	if m == nil {
		return out
	}
	for name, c := range m.scalars {
		out[name] = counterValue(c)
	}
	return out
}

// HostCalls returns how often function ran in the given mode ("live" or
// "replay"). Reading a series that was never incremented does not create
// it.
func (m *Metrics) HostCalls(function, mode string) uint64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != "durable_host_calls_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelValue(metric, "function") == function && labelValue(metric, "mode") == mode {
				return uint64(metric.GetCounter().GetValue())
			}
		}
	}
	return 0
}

// WritePrometheus writes every counter in the text exposition format.
// Families come out sorted by name, so the output is stable.
func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Routes mounts GET /metrics on a chi router.
func (m *Metrics) Routes() chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return r
}

func counterValue(c prometheus.Counter) uint64 {
	var pb dto.Metric
	if err := c.Write(&pb); err != nil {
		return 0
	}
	return uint64(pb.GetCounter().GetValue())
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
