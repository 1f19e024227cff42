package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/datawire/dlib/dutil"
	"github.com/datawire/hudp/pkg/gamesim"
	"github.com/datawire/hudp/pkg/hudp"
	"github.com/datawire/hudp/pkg/metrics"
)

// doneMessage is the control payload the sender emits on the reliable
// channel when it has finished, so the receiver can stop early.
var doneMessage = []byte("__HUDP_DONE__")

// confDuration lets scenario files spell durations as "200ms" or "5s".
type confDuration time.Duration

func (d *confDuration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = confDuration(parsed)
	return nil
}

type runConfig struct {
	SenderPort     uint16       `yaml:"senderPort"`
	ReceiverPort   uint16       `yaml:"receiverPort"`
	Duration       confDuration `yaml:"duration"`
	Rate           float64      `yaml:"rate"`
	Linger         confDuration `yaml:"linger"`
	SkipThreshold  confDuration `yaml:"skipThreshold"`
	Seed           int64        `yaml:"seed"`
	PrometheusPort uint16       `yaml:"prometheusPort"`
}

func runCommand() *cobra.Command {
	var (
		configFile string
		duration   time.Duration
		rate       float64
		linger     time.Duration
		seed       int64
		promPort   uint16
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run sender and receiver in one process and report metrics",
		Long: `run starts a receiver and a sender endpoint over loopback UDP in the same
process, streams a deterministic mix of mock game traffic, and prints the
per-channel delivery, latency, jitter and throughput report.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env := envOf(ctx)
			cfg := runConfig{
				SenderPort:     env.SenderPort,
				ReceiverPort:   env.ReceiverPort,
				Duration:       confDuration(5 * time.Second),
				Rate:           20,
				Linger:         confDuration(time.Second),
				SkipThreshold:  confDuration(env.SkipThreshold),
				Seed:           1,
				PrometheusPort: env.PrometheusPort,
			}
			if configFile != "" {
				data, err := os.ReadFile(configFile)
				if err != nil {
					return pkgerrors.Wrap(err, "read scenario")
				}
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return pkgerrors.Wrapf(err, "parse scenario %s", configFile)
				}
			}
			flags := cmd.Flags()
			if flags.Changed("duration") {
				cfg.Duration = confDuration(duration)
			}
			if flags.Changed("rate") {
				cfg.Rate = rate
			}
			if flags.Changed("linger") {
				cfg.Linger = confDuration(linger)
			}
			if flags.Changed("seed") {
				cfg.Seed = seed
			}
			if flags.Changed("prometheus-port") {
				cfg.PrometheusPort = promPort
			}
			return runHarness(ctx, &cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML scenario file")
	flags.DurationVar(&duration, "duration", 5*time.Second, "active send duration")
	flags.Float64Var(&rate, "rate", 20, "packets per second")
	flags.DurationVar(&linger, "linger", time.Second, "extra time the receiver listens after the sender stops")
	flags.Int64Var(&seed, "seed", 1, "seed for the mock traffic generator")
	flags.Uint16Var(&promPort, "prometheus-port", 0, "serve /metrics on this port (0 disables)")
	return cmd
}

func runHarness(ctx context.Context, cfg *runConfig) error {
	runID := uuid.New().String()
	dlog.Infof(ctx, "run %s: %s at %.1f pps, skip threshold %s",
		runID, time.Duration(cfg.Duration), cfg.Rate, time.Duration(cfg.SkipThreshold))

	reg := prometheus.NewRegistry()
	coll := metrics.NewCollectors(reg, runID)

	report := metrics.Report{
		Duration: time.Duration(cfg.Duration),
		Rate:     cfg.Rate,
	}
	ready := make(chan struct{})
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopNow := func() { stopOnce.Do(func() { close(stop) }) }

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})

	g.Go("receiver", func(ctx context.Context) error {
		api, err := hudp.Open(ctx,
			fmt.Sprintf("127.0.0.1:%d", cfg.ReceiverPort),
			fmt.Sprintf("127.0.0.1:%d", cfg.SenderPort),
			hudp.WithSkipThreshold(time.Duration(cfg.SkipThreshold)))
		if err != nil {
			close(ready)
			return err
		}
		close(ready)
		defer func() {
			st := api.Stats()
			report.Skipped = st.Skips
			coll.ObserveReceiver(st)
			if err := api.Close(ctx); err != nil {
				dlog.Errorf(ctx, "receiver close: %v", err)
			}
		}()

		end := dtime.Now().Add(time.Duration(cfg.Duration) + time.Duration(cfg.Linger))
		for dtime.Now().Before(end) && ctx.Err() == nil {
			select {
			case <-stop:
				return nil
			default:
			}
			pkt, err := recvOne(ctx, api, end.Sub(dtime.Now()))
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				return nil
			}
			if bytes.Equal(pkt.Payload, doneMessage) {
				return nil
			}
			latency := pkt.Latency(dtime.Now())
			switch pkt.Channel {
			case hudp.Reliable:
				report.Reliable.Observe(latency, len(pkt.Payload))
				coll.Observe("reliable", len(pkt.Payload))
				coll.SetChannel("reliable", &report.Reliable)
			case hudp.Unreliable:
				report.Unreliable.Observe(latency, len(pkt.Payload))
				coll.Observe("unreliable", len(pkt.Payload))
				coll.SetChannel("unreliable", &report.Unreliable)
			}
		}
		return nil
	})

	g.Go("sender", func(ctx context.Context) error {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		api, err := hudp.Open(ctx,
			fmt.Sprintf("127.0.0.1:%d", cfg.SenderPort),
			fmt.Sprintf("127.0.0.1:%d", cfg.ReceiverPort),
			hudp.WithSkipThreshold(time.Duration(cfg.SkipThreshold)))
		if err != nil {
			return err
		}
		defer func() {
			st := api.Stats()
			report.Reliable.Sent = st.ReliableSent
			report.Unreliable.Sent = st.UnreliableSent
			coll.ObserveSender(st)
			stopNow()
			if err := api.Close(ctx); err != nil {
				dlog.Errorf(ctx, "sender close: %v", err)
			}
		}()

		gen := gamesim.New(cfg.Seed)
		interval := time.Duration(float64(time.Second) / cfg.Rate)
		start := dtime.Now()
		end := start.Add(time.Duration(cfg.Duration))
		packetID := 0
		for dtime.Now().Before(end) && ctx.Err() == nil {
			reliable := gamesim.Reliable(packetID)
			if _, err := api.Send(gen.Payload(packetID, reliable), reliable); err != nil {
				return err
			}
			packetID++
			if wait := start.Add(time.Duration(packetID) * interval).Sub(dtime.Now()); wait > 0 {
				dtime.SleepWithContext(ctx, wait)
			}
		}
		// The done marker travels on the reliable channel so a lost final
		// datagram still ends the run early.
		if _, err := api.Send(doneMessage, true); err != nil {
			return err
		}
		// Reliable sends are counted before the ack arrives; leave the
		// window a moment to drain so the retransmit counters settle.
		dtime.SleepWithContext(ctx, hudp.RetransmitTimeout)
		return nil
	})

	if cfg.PrometheusPort != 0 {
		g.Go("prometheus", func(ctx context.Context) error {
			// Serve until the traffic workers are done.
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-stop:
				case <-ctx.Done():
				}
				cancel()
			}()
			server := &http.Server{
				Addr:     fmt.Sprintf("127.0.0.1:%d", cfg.PrometheusPort),
				ErrorLog: dlog.StdLogger(ctx, dlog.LogLevelError),
				Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			}
			dlog.Infof(ctx, "serving metrics on %s/metrics", server.Addr)
			return dutil.ListenAndServeHTTPWithContext(ctx, server)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	// Exclude the done marker from the delivery figures.
	if report.Reliable.Sent > 0 {
		report.Reliable.Sent--
	}
	fmt.Println(report.String())
	return nil
}
