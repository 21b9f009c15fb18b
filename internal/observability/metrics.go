// Package observability — metrics.go
//
// Prometheus metrics for the CXLMemSim node daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: cxlmemsim_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Node and state labels use small enums (node_id is bounded [0,16),
//     coherency states are one of I/S/E/M/O).
//   - Cacheline address is NOT used as a label (unbounded cardinality).
//   - Per-line metrics are aggregated before recording.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the node daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── HDM decode ───────────────────────────────────────────────────────────

	// DecodesTotal counts address decode operations issued by the memory
	// op entry points. Labels: result (ok, unmapped).
	DecodesTotal *prometheus.CounterVec

	// ─── Coherency engine ─────────────────────────────────────────────────────

	// CoherencyMessagesTotal counts coherency protocol messages sent
	// (invalidates, downgrades, owner fetches).
	CoherencyMessagesTotal prometheus.Counter

	// InvalidationsTotal counts lines invalidated due to a remote write.
	InvalidationsTotal prometheus.Counter

	// DowngradesTotal counts E → S downgrades performed to satisfy a
	// remote shared read. Fetches from a Modified owner are not counted
	// here (they count only as coherency messages).
	DowngradesTotal prometheus.Counter

	// WritebacksTotal counts dirty-line writebacks to the owning memory
	// server.
	WritebacksTotal prometheus.Counter

	// RemoteOpsTotal counts operations that required cross-node fabric
	// traffic (as opposed to purely-local hits).
	RemoteOpsTotal prometheus.Counter

	// CoherencyLatencyNanoseconds records the engine's running average
	// coherency operation latency (including contention and fabric cost),
	// observed once per sampler tick rather than once per operation.
	CoherencyLatencyNanoseconds prometheus.Histogram

	// DirectoryEntries is the current number of tracked directory entries.
	DirectoryEntries prometheus.Gauge

	// InvariantViolationsTotal counts directory invariant violations
	// detected (should remain zero in a healthy fabric).
	InvariantViolationsTotal *prometheus.CounterVec

	// ─── Message fabric ───────────────────────────────────────────────────────

	// FabricMessagesSentTotal counts envelopes enqueued onto this node's
	// outbound ring queues.
	FabricMessagesSentTotal prometheus.Counter

	// FabricMessagesDroppedTotal counts envelopes dropped.
	// Labels: reason (queue_full)
	FabricMessagesDroppedTotal *prometheus.CounterVec

	// FabricQueueDepth is the current occupancy of a (src,dst) ring queue,
	// sampled once per second by the node's metrics sampler. Labels: dst_node
	FabricQueueDepth *prometheus.GaugeVec

	// FabricSendAndWaitLatencySeconds records request/response round-trip
	// latency for send_and_wait calls.
	FabricSendAndWaitLatencySeconds prometheus.Histogram

	// FabricHeartbeatMissesTotal counts missed-heartbeat detections.
	// Labels: peer_node
	FabricHeartbeatMissesTotal *prometheus.CounterVec

	// PeersOnline is the current count of peers considered reachable.
	PeersOnline prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerEntries is the current number of ledger entries.
	StorageLedgerEntries prometheus.Gauge

	// ─── Node ─────────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since the node daemon started.
	NodeUptimeSeconds prometheus.Gauge

	// startTime records when the node daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all CXLMemSim Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		DecodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "hdm",
			Name:      "decodes_total",
			Help:      "Total HDM address decode operations, by result.",
		}, []string{"result"}),

		CoherencyMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "messages_total",
			Help:      "Total coherency protocol messages sent.",
		}),

		InvalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "invalidations_total",
			Help:      "Total cachelines invalidated due to a remote write.",
		}),

		DowngradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "downgrades_total",
			Help:      "Total E to S downgrades performed for a remote shared read.",
		}),

		WritebacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "writebacks_total",
			Help:      "Total dirty-line writebacks performed.",
		}),

		RemoteOpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "remote_ops_total",
			Help:      "Total coherency operations that required cross-node fabric traffic.",
		}),

		CoherencyLatencyNanoseconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "latency_nanoseconds",
			Help:      "End-to-end coherency operation latency in nanoseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000, 50000},
		}),

		DirectoryEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "directory_entries",
			Help:      "Current number of tracked directory entries.",
		}),

		InvariantViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "coherency",
			Name:      "invariant_violations_total",
			Help:      "Total directory invariant violations detected, by invariant name.",
		}, []string{"invariant"}),

		FabricMessagesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "messages_sent_total",
			Help:      "Total envelopes enqueued onto the message fabric.",
		}),

		FabricMessagesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "messages_dropped_total",
			Help:      "Total envelopes dropped, by reason.",
		}, []string{"reason"}),

		FabricQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "queue_depth",
			Help:      "Current occupancy of the outbound ring queue, by destination node.",
		}, []string{"dst_node"}),

		FabricSendAndWaitLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "send_and_wait_latency_seconds",
			Help:      "Round-trip latency of send_and_wait requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		FabricHeartbeatMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "heartbeat_misses_total",
			Help:      "Total missed-heartbeat detections, by peer node.",
		}, []string{"peer_node"}),

		PeersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cxlmemsim",
			Subsystem: "fabric",
			Name:      "peers_online",
			Help:      "Current number of peers considered reachable.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cxlmemsim",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cxlmemsim",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries in BoltDB.",
		}),

		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cxlmemsim",
			Subsystem: "node",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the node daemon started.",
		}),
	}

	reg.MustRegister(
		m.DecodesTotal,
		m.CoherencyMessagesTotal,
		m.InvalidationsTotal,
		m.DowngradesTotal,
		m.WritebacksTotal,
		m.RemoteOpsTotal,
		m.CoherencyLatencyNanoseconds,
		m.DirectoryEntries,
		m.InvariantViolationsTotal,
		m.FabricMessagesSentTotal,
		m.FabricMessagesDroppedTotal,
		m.FabricQueueDepth,
		m.FabricSendAndWaitLatencySeconds,
		m.FabricHeartbeatMissesTotal,
		m.PeersOnline,
		m.StorageWriteLatency,
		m.StorageLedgerEntries,
		m.NodeUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the NodeUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
