package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/datawire/hudp/pkg/hudp"
	"github.com/datawire/hudp/pkg/metrics"
)

func recvCommand() *cobra.Command {
	var (
		localPort  uint16
		remotePort uint16
		duration   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Run the demo receiver application",
		Long: `recv listens for H-UDP traffic, logs every delivered packet with its
channel, sequence and one-way latency, and prints a per-channel summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env := envOf(ctx)
			if !cmd.Flags().Changed("port") {
				localPort = env.ReceiverPort
			}
			if !cmd.Flags().Changed("remote-port") {
				remotePort = env.SenderPort
			}
			return runRecv(ctx, localPort, remotePort, duration, env.SkipThreshold)
		},
	}
	flags := cmd.Flags()
	flags.Uint16Var(&localPort, "port", 10001, "local UDP port")
	flags.Uint16Var(&remotePort, "remote-port", 10000, "sender's UDP port")
	flags.DurationVar(&duration, "duration", 15*time.Second, "how long to listen")
	return cmd
}

func runRecv(ctx context.Context, localPort, remotePort uint16, duration time.Duration, skipThreshold time.Duration) error {
	api, err := hudp.Open(ctx,
		fmt.Sprintf("0.0.0.0:%d", localPort),
		fmt.Sprintf("127.0.0.1:%d", remotePort),
		hudp.WithSkipThreshold(skipThreshold))
	if err != nil {
		return err
	}
	defer func() {
		if err := api.Close(ctx); err != nil {
			dlog.Errorf(ctx, "close: %v", err)
		}
	}()

	dlog.Infof(ctx, "listening on 0.0.0.0:%d for %s", localPort, duration)
	var reliable, unreliable metrics.ChannelStats
	end := dtime.Now().Add(duration)
	for {
		remain := end.Sub(dtime.Now())
		if remain <= 0 || ctx.Err() != nil {
			break
		}
		pkt, err := recvOne(ctx, api, remain)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, hudp.ErrEndpointClosed) {
				break
			}
			return err
		}
		latency := pkt.Latency(dtime.Now())
		switch pkt.Channel {
		case hudp.Reliable:
			reliable.Observe(latency, len(pkt.Payload))
		case hudp.Unreliable:
			unreliable.Observe(latency, len(pkt.Payload))
		}
		dlog.Infof(ctx, "received %s seq %d, latency %.1f ms",
			pkt.Channel, pkt.Seq, float64(latency)/float64(time.Millisecond))
	}

	st := api.Stats()
	dlog.Infof(ctx, "RELIABLE: %d packets, %.2f B/s, %d skipped",
		reliable.Received, reliable.Throughput(duration), st.Skips)
	dlog.Infof(ctx, "UNRELIABLE: %d packets, %.2f B/s",
		unreliable.Received, unreliable.Throughput(duration))
	return nil
}

// recvOne waits up to max, but no longer than 50 ms, for one packet.
func recvOne(ctx context.Context, api *hudp.Endpoint, max time.Duration) (*hudp.Packet, error) {
	if max > 50*time.Millisecond {
		max = 50 * time.Millisecond
	}
	rctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	return api.Recv(rctx)
}
