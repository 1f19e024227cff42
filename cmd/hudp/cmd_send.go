package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/datawire/hudp/pkg/gamesim"
	"github.com/datawire/hudp/pkg/hudp"
)

func sendCommand() *cobra.Command {
	var (
		localPort  uint16
		remotePort uint16
		duration   time.Duration
		rate       float64
		seed       int64
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Run the demo sender application",
		Long: `send generates mock game traffic and transmits it to a receiver: critical
events on the reliable channel, position updates on the unreliable one.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env := envOf(ctx)
			if !cmd.Flags().Changed("port") {
				localPort = env.SenderPort
			}
			if !cmd.Flags().Changed("remote-port") {
				remotePort = env.ReceiverPort
			}
			return runSend(ctx, localPort, remotePort, duration, rate, seed, env.SkipThreshold)
		},
	}
	flags := cmd.Flags()
	flags.Uint16Var(&localPort, "port", 10000, "local UDP port")
	flags.Uint16Var(&remotePort, "remote-port", 10001, "receiver's UDP port")
	flags.DurationVar(&duration, "duration", 10*time.Second, "how long to send")
	flags.Float64Var(&rate, "rate", 20, "packets per second")
	flags.Int64Var(&seed, "seed", 1, "seed for the mock traffic generator")
	return cmd
}

func runSend(ctx context.Context, localPort, remotePort uint16, duration time.Duration, rate float64, seed int64, skipThreshold time.Duration) error {
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

	dlog.Infof(ctx, "sending to 127.0.0.1:%d for %s at %.1f pps", remotePort, duration, rate)
	gen := gamesim.New(seed)
	interval := time.Duration(float64(time.Second) / rate)
	start := dtime.Now()
	packetID := 0
	for ctx.Err() == nil && dtime.Now().Sub(start) < duration {
		reliable := gen.Flip()
		payload := gen.Payload(packetID, reliable)
		seq, err := api.Send(payload, reliable)
		if err != nil {
			return err
		}
		dlog.Debugf(ctx, "sent %s seq %d, %d bytes", channelName(reliable), seq, len(payload))
		packetID++
		next := start.Add(time.Duration(packetID) * interval)
		if wait := next.Sub(dtime.Now()); wait > 0 {
			dtime.SleepWithContext(ctx, wait)
		}
	}

	st := api.Stats()
	dlog.Infof(ctx, "done: sent %d reliable, %d unreliable, %d retransmits, %d dropped",
		st.ReliableSent, st.UnreliableSent, st.Retransmits, st.ReliableDropped)
	return nil
}

func channelName(reliable bool) string {
	if reliable {
		return hudp.Reliable.String()
	}
	return hudp.Unreliable.String()
}
