// Package metrics accumulates per-channel delivery metrics for the demo
// harness: delivery ratio, throughput, mean one-way latency, and RFC 3550
// interarrival jitter. The transport core does not depend on this package;
// it consumes packets and counters the endpoint exposes.
package metrics

import (
	"fmt"
	"strings"
	"time"
)

// ChannelStats accumulates observations for one channel. Not safe for
// concurrent use; the harness feeds it from a single goroutine.
type ChannelStats struct {
	Sent     uint64
	Received uint64
	Bytes    uint64

	latencySum time.Duration

	// jitter is the RFC 3550 running estimate in milliseconds.
	jitter      float64
	lastLatency time.Duration
	haveLatency bool
}

// Observe records one delivered packet with its one-way latency.
func (c *ChannelStats) Observe(latency time.Duration, size int) {
	c.Received++
	c.Bytes += uint64(size)
	c.latencySum += latency
	if c.haveLatency {
		d := (latency - c.lastLatency).Seconds() * 1000
		if d < 0 {
			d = -d
		}
		c.jitter += (d - c.jitter) / 16
	}
	c.lastLatency = latency
	c.haveLatency = true
}

// MeanLatency returns the average one-way latency, or false when nothing was
// received.
func (c *ChannelStats) MeanLatency() (time.Duration, bool) {
	if c.Received == 0 {
		return 0, false
	}
	return c.latencySum / time.Duration(c.Received), true
}

// Jitter returns the smoothed interarrival jitter, or false when nothing was
// received.
func (c *ChannelStats) Jitter() (time.Duration, bool) {
	if !c.haveLatency {
		return 0, false
	}
	return time.Duration(c.jitter * float64(time.Millisecond)), true
}

// Lost returns how many sent packets never arrived.
func (c *ChannelStats) Lost() uint64 {
	if c.Sent < c.Received {
		return 0
	}
	return c.Sent - c.Received
}

// DeliveryRatio returns received/sent as a percentage, or false when nothing
// was sent.
func (c *ChannelStats) DeliveryRatio() (float64, bool) {
	if c.Sent == 0 {
		return 0, false
	}
	return float64(c.Received) / float64(c.Sent) * 100, true
}

// Throughput returns received bytes per second over the given duration.
func (c *ChannelStats) Throughput(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(c.Bytes) / d.Seconds()
}

// Report is the combined per-run summary.
type Report struct {
	Reliable   ChannelStats
	Unreliable ChannelStats
	Duration   time.Duration
	Rate       float64
	Skipped    uint64
}

func fmtMs(d time.Duration, ok bool) string {
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
}

func fmtRatio(v float64, ok bool) string {
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", v)
}

// String renders the channel performance table.
func (r *Report) String() string {
	sb := &strings.Builder{}
	line := strings.Repeat("=", 60)
	fmt.Fprintln(sb, line)
	fmt.Fprintln(sb, "H-UDP CHANNEL PERFORMANCE")
	fmt.Fprintln(sb, line)
	fmt.Fprintf(sb, "Send rate:          %.1f packets/s\n", r.Rate)
	fmt.Fprintf(sb, "Send duration:      %.2fs\n", r.Duration.Seconds())
	for _, ch := range []struct {
		label string
		stats *ChannelStats
	}{
		{"RELIABLE", &r.Reliable},
		{"UNRELIABLE", &r.Unreliable},
	} {
		mean, meanOK := ch.stats.MeanLatency()
		jit, jitOK := ch.stats.Jitter()
		ratio, ratioOK := ch.stats.DeliveryRatio()
		fmt.Fprintf(sb, "\n%s CHANNEL\n", ch.label)
		fmt.Fprintln(sb, strings.Repeat("-", 60))
		fmt.Fprintf(sb, "  Latency:                   %s\n", fmtMs(mean, meanOK))
		fmt.Fprintf(sb, "  Jitter:                    %s\n\n", fmtMs(jit, jitOK))
		fmt.Fprintf(sb, "  Packets sent:              %d\n", ch.stats.Sent)
		fmt.Fprintf(sb, "  Packets received:          %d\n", ch.stats.Received)
		fmt.Fprintf(sb, "  Packet delivery ratio:     %s\n\n", fmtRatio(ratio, ratioOK))
		fmt.Fprintf(sb, "  Bytes received:            %d\n", ch.stats.Bytes)
		fmt.Fprintf(sb, "  Throughput:                %.2f B/s\n", ch.stats.Throughput(r.Duration))
	}
	fmt.Fprintf(sb, "\nSkipped reliable sequences:  %d\n", r.Skipped)
	fmt.Fprintln(sb, line)
	return sb.String()
}
