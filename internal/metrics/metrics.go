// Package metrics publishes link and pipeline health as Prometheus
// metrics. Components expose cheap snapshot methods; a poller copies the
// snapshots into promauto-registered gauges, so the hot paths never touch
// a metrics registry directly.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	senderPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "packets_sent_total",
		Help:      "Packets sent on a transport session",
	}, []string{"stream"})

	senderBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "bytes_sent_total",
		Help:      "Bytes sent on a transport session",
	}, []string{"stream"})

	receiverPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "packets_received_total",
		Help:      "Packets received from the active producer",
	}, []string{"stream"})

	receiverDecodeFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "decode_failures_total",
		Help:      "Malformed frames skipped by the receiver",
	}, []string{"stream"})

	receiverDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "dropped_total",
		Help:      "Decoded packets shed because the consumer lagged",
	}, []string{"stream"})

	receiverSupersessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "transport",
		Name:      "supersessions_total",
		Help:      "Producers displaced by a newer connection",
	}, []string{"stream"})

	jitterDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "jitter",
		Name:      "depth",
		Help:      "Packets currently buffered",
	}, []string{"stream"})

	jitterLate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "jitter",
		Name:      "late_total",
		Help:      "Packets discarded for arriving behind the playout cursor",
	}, []string{"stream"})

	jitterGaps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "jitter",
		Name:      "gaps_total",
		Help:      "Skip events where missing packets were given up on",
	}, []string{"stream"})

	jitterUnderruns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "jitter",
		Name:      "underruns_total",
		Help:      "Times the buffer drained and re-entered warm-up",
	}, []string{"stream"})

	jitterOverflow = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "jitter",
		Name:      "overflow_total",
		Help:      "Packets evicted because the buffer span grew too wide",
	}, []string{"stream"})

	queueDropped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "queue",
		Name:      "dropped_total",
		Help:      "Stale entries shed by a dumping queue",
	}, []string{"queue"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Entries currently queued",
	}, []string{"queue"})

	bridgeTxWritten = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "bridge",
		Name:      "tx_written_total",
		Help:      "Command payloads written to the device",
	}, []string{"bridge"})

	bridgeRxPublished = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "bridge",
		Name:      "rx_published_total",
		Help:      "Device reads published on the bus",
	}, []string{"bridge"})

	bridgeDeviceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "bridge",
		Name:      "device_up",
		Help:      "1 while the bridged device is open",
	}, []string{"bridge"})

	bridgeDeviceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "bridge",
		Name:      "device_errors_total",
		Help:      "Read or write errors that dropped the device",
	}, []string{"bridge"})

	workerRestarts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fieldlink",
		Subsystem: "supervisor",
		Name:      "worker_restarts_total",
		Help:      "Relaunches of a supervised worker",
	}, []string{"worker"})

	// Snapshot cache for status reporting over the bus.
	linkCache   = make(map[string]*LinkMetrics)
	linkCacheMu sync.RWMutex
)

// LinkMetrics holds the latest values for one stream, for readers that
// want a struct instead of scraping Prometheus.
type LinkMetrics struct {
	PacketsSent     float64
	PacketsReceived float64
	DecodeFailures  float64
	Dropped         float64
	Supersessions   float64
	JitterDepth     float64
	Gaps            float64
	Underruns       float64
}

// SetSender records send-side transport counters for a stream.
func SetSender(stream string, packets, bytes float64) {
	senderPackets.WithLabelValues(stream).Set(packets)
	senderBytes.WithLabelValues(stream).Set(bytes)
	updateLink(stream, func(m *LinkMetrics) { m.PacketsSent = packets })
}

// SetReceiver records receive-side transport counters for a stream.
func SetReceiver(stream string, packets, decodeFailures, dropped, supersessions float64) {
	receiverPackets.WithLabelValues(stream).Set(packets)
	receiverDecodeFailures.WithLabelValues(stream).Set(decodeFailures)
	receiverDropped.WithLabelValues(stream).Set(dropped)
	receiverSupersessions.WithLabelValues(stream).Set(supersessions)
	updateLink(stream, func(m *LinkMetrics) {
		m.PacketsReceived = packets
		m.DecodeFailures = decodeFailures
		m.Dropped = dropped
		m.Supersessions = supersessions
	})
}

// SetJitter records jitter buffer counters for a stream.
func SetJitter(stream string, depth, late, gaps, underruns, overflow float64) {
	jitterDepth.WithLabelValues(stream).Set(depth)
	jitterLate.WithLabelValues(stream).Set(late)
	jitterGaps.WithLabelValues(stream).Set(gaps)
	jitterUnderruns.WithLabelValues(stream).Set(underruns)
	jitterOverflow.WithLabelValues(stream).Set(overflow)
	updateLink(stream, func(m *LinkMetrics) {
		m.JitterDepth = depth
		m.Gaps = gaps
		m.Underruns = underruns
	})
}

// SetQueue records dumping queue counters.
func SetQueue(name string, depth, dropped float64) {
	queueDepth.WithLabelValues(name).Set(depth)
	queueDropped.WithLabelValues(name).Set(dropped)
}

// SetBridge records command bridge counters.
func SetBridge(name string, txWritten, rxPublished, deviceErrors float64, deviceUp bool) {
	bridgeTxWritten.WithLabelValues(name).Set(txWritten)
	bridgeRxPublished.WithLabelValues(name).Set(rxPublished)
	bridgeDeviceErrors.WithLabelValues(name).Set(deviceErrors)
	up := 0.0
	if deviceUp {
		up = 1.0
	}
	bridgeDeviceUp.WithLabelValues(name).Set(up)
}

// SetWorkerRestarts records a worker's relaunch count.
func SetWorkerRestarts(worker string, restarts float64) {
	workerRestarts.WithLabelValues(worker).Set(restarts)
}

// DeleteStream removes all metrics for a stream.
func DeleteStream(stream string) {
	senderPackets.DeleteLabelValues(stream)
	senderBytes.DeleteLabelValues(stream)
	receiverPackets.DeleteLabelValues(stream)
	receiverDecodeFailures.DeleteLabelValues(stream)
	receiverDropped.DeleteLabelValues(stream)
	receiverSupersessions.DeleteLabelValues(stream)
	jitterDepth.DeleteLabelValues(stream)
	jitterLate.DeleteLabelValues(stream)
	jitterGaps.DeleteLabelValues(stream)
	jitterUnderruns.DeleteLabelValues(stream)
	jitterOverflow.DeleteLabelValues(stream)

	linkCacheMu.Lock()
	delete(linkCache, stream)
	linkCacheMu.Unlock()
}

// GetLink returns a copy of the latest values for a stream, or nil if the
// stream has never reported.
func GetLink(stream string) *LinkMetrics {
	linkCacheMu.RLock()
	defer linkCacheMu.RUnlock()
	m, ok := linkCache[stream]
	if !ok {
		return nil
	}
	out := *m
	return &out
}

func updateLink(stream string, fn func(*LinkMetrics)) {
	linkCacheMu.Lock()
	defer linkCacheMu.Unlock()
	m, ok := linkCache[stream]
	if !ok {
		m = &LinkMetrics{}
		linkCache[stream] = m
	}
	fn(m)
}
