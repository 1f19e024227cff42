package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/datawire/hudp/pkg/hudp"
)

// Collectors exports the endpoint's transport counters and the harness's
// channel observations through a Prometheus registry.
type Collectors struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	latency         *prometheus.GaugeVec
	jitter          *prometheus.GaugeVec
	retransmits     prometheus.Counter
	dropped         prometheus.Counter
	skips           prometheus.Counter

	lastSend hudp.Stats
	lastRecv hudp.Stats
}

// NewCollectors registers the H-UDP metrics with reg. The run label ties
// series from one harness invocation together.
func NewCollectors(reg prometheus.Registerer, runID string) *Collectors {
	constLabels := prometheus.Labels{"run": runID}
	c := &Collectors{
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hudp_packets_sent_total", Help: "Packets sent, by channel.", ConstLabels: constLabels,
		}, []string{"channel"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hudp_packets_received_total", Help: "Packets delivered to the application, by channel.", ConstLabels: constLabels,
		}, []string{"channel"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hudp_bytes_received_total", Help: "Payload bytes delivered, by channel.", ConstLabels: constLabels,
		}, []string{"channel"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hudp_latency_seconds", Help: "Mean one-way latency, by channel.", ConstLabels: constLabels,
		}, []string{"channel"}),
		jitter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hudp_jitter_seconds", Help: "RFC 3550 interarrival jitter, by channel.", ConstLabels: constLabels,
		}, []string{"channel"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hudp_retransmits_total", Help: "Timeout-driven retransmissions.", ConstLabels: constLabels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hudp_reliable_dropped_total", Help: "Reliable packets dropped after the retry cap.", ConstLabels: constLabels,
		}),
		skips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hudp_skips_total", Help: "Reliable sequences the receiver skipped.", ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(
		c.packetsSent, c.packetsReceived, c.bytesReceived,
		c.latency, c.jitter,
		c.retransmits, c.dropped, c.skips,
	)
	return c
}

// ObserveSender advances the outbound counters with the delta since the last
// snapshot of the sending endpoint.
func (c *Collectors) ObserveSender(st hudp.Stats) {
	last := c.lastSend
	c.packetsSent.WithLabelValues("reliable").Add(float64(st.ReliableSent - last.ReliableSent))
	c.packetsSent.WithLabelValues("unreliable").Add(float64(st.UnreliableSent - last.UnreliableSent))
	c.retransmits.Add(float64(st.Retransmits - last.Retransmits))
	c.dropped.Add(float64(st.ReliableDropped - last.ReliableDropped))
	c.lastSend = st
}

// ObserveReceiver advances the inbound counters with the delta since the
// last snapshot of the receiving endpoint.
func (c *Collectors) ObserveReceiver(st hudp.Stats) {
	c.skips.Add(float64(st.Skips - c.lastRecv.Skips))
	c.lastRecv = st
}

// Observe records one delivered packet.
func (c *Collectors) Observe(channel string, size int) {
	c.packetsReceived.WithLabelValues(channel).Inc()
	c.bytesReceived.WithLabelValues(channel).Add(float64(size))
}

// SetChannel publishes the harness's running latency and jitter estimates.
func (c *Collectors) SetChannel(channel string, cs *ChannelStats) {
	if mean, ok := cs.MeanLatency(); ok {
		c.latency.WithLabelValues(channel).Set(mean.Seconds())
	}
	if jit, ok := cs.Jitter(); ok {
		c.jitter.WithLabelValues(channel).Set(jit.Seconds())
	}
}
