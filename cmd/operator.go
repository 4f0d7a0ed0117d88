package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/openrover/fieldlink/internal/bus"
	"github.com/openrover/fieldlink/internal/config"
	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/jitter"
	"github.com/openrover/fieldlink/internal/logging"
	"github.com/openrover/fieldlink/internal/metrics"
	"github.com/openrover/fieldlink/internal/metrics/exporters"
	"github.com/openrover/fieldlink/internal/pipeline"
	"github.com/openrover/fieldlink/internal/supervisor"
	"github.com/openrover/fieldlink/internal/transport"
)

func newOperatorCmd() *cobra.Command {
	opts := config.DefaultOperatorOptions()

	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Run the operator console",
		Long: `Hosts the message bus, receives the media streams, smooths them ` +
			`through jitter buffers and plays them out to local pipes for an ` +
			`external decoder.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(&opts, cmd); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			return runOperator(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", opts.Config, "Path to configuration file")
	f.StringVar(&opts.BusHost, "bus-host", opts.BusHost, "Bind host for the embedded bus server")
	f.IntVar(&opts.BusPort, "bus-port", opts.BusPort, "Bind port for the embedded bus server")
	f.StringVar(&opts.VideoListen, "video-listen", opts.VideoListen, "Video receive endpoint")
	f.StringVar(&opts.AudioListen, "audio-listen", opts.AudioListen, "Audio receive endpoint")
	f.StringVar(&opts.AudioKind, "audio-kind", opts.AudioKind, "Audio transport: stream or datagram")
	f.StringVar(&opts.VideoSink, "video-sink", opts.VideoSink, "Pipe the video decoder reads from")
	f.StringVar(&opts.AudioSink, "audio-sink", opts.AudioSink, "Pipe the audio decoder reads from")
	f.IntVar(&opts.JitterTargetDepth, "jitter-target-depth", opts.JitterTargetDepth, "Jitter buffer warm-up depth")
	f.IntVar(&opts.JitterWaitBudget, "jitter-wait-budget", opts.JitterWaitBudget, "Pull cycles to wait for a missing packet")
	f.IntVar(&opts.JitterMaxSpan, "jitter-max-span", opts.JitterMaxSpan, "Maximum buffered sequence span")
	f.IntVar(&opts.PlayoutInterval, "playout-interval", opts.PlayoutInterval, "Playout cadence in milliseconds")
	f.IntVar(&opts.QueueDepth, "queue-depth", opts.QueueDepth, "Dumping queue depth")
	f.IntVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "Supervisor poll interval in seconds")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "Prometheus scrape address (empty disables)")
	f.BoolVar(&opts.Watchdog, "watchdog", opts.Watchdog, "Ping the systemd watchdog")

	return cmd
}

func runOperator(ctx context.Context, opts config.OperatorOptions) error {
	logging.Initialize(config.LoadLoggingConfig(opts.Config))
	logger := logging.GetLogger("operator")
	logger.Info("Starting operator console", "video", opts.VideoListen, "audio", opts.AudioListen)

	var cur atomic.Pointer[config.OperatorOptions]
	cur.Store(&opts)

	srv := bus.NewServer(bus.ServerOptions{
		Host:   opts.BusHost,
		Port:   opts.BusPort,
		Logger: logging.GetLogger("bus"),
	})
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	client := bus.NewClient(srv.ClientURL(), "operator", logging.GetLogger("bus"))
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect to embedded bus: %w", err)
	}
	defer client.Close()

	// Surface node-side telemetry and reports in the console log.
	telemetryLog := logging.GetLogger("telemetry")
	client.Subscribe(bus.SubjectCommandRx, func(data []byte) {
		telemetryLog.Debug("Robot telemetry", "bytes", len(data))
	})
	client.Subscribe(bus.SubjectGimbalRx, func(data []byte) {
		telemetryLog.Debug("Gimbal telemetry", "bytes", len(data))
	})
	client.Subscribe(bus.SubjectNodePrefix+".*.state", func(data []byte) {
		msg, err := bus.UnmarshalState(data)
		if err != nil {
			return
		}
		logger.Info("Node worker state", "worker", msg.Worker, "state", msg.State,
			"restarts", msg.Restarts, "error", msg.Error)
	})
	client.Subscribe(bus.SubjectNodeLogs(), func(data []byte) {
		msg, err := bus.UnmarshalLog(data)
		if err != nil {
			return
		}
		logger.Warn("Node log", "module", msg.Module, "message", msg.Message)
	})

	eventBus := events.New()
	sup := supervisor.New(supervisor.Options{
		PollInterval:   time.Duration(opts.PollInterval) * time.Second,
		Logger:         logging.GetLogger("supervisor"),
		Bus:            eventBus,
		NotifyWatchdog: opts.Watchdog,
	})

	jcfg := jitter.Config{
		TargetDepth: opts.JitterTargetDepth,
		WaitBudget:  opts.JitterWaitBudget,
		MaxSpan:     opts.JitterMaxSpan,
	}

	var videoTr, audioTr atomic.Value // transport.Receiver

	videoReceiver := pipeline.NewReceiver(pipeline.ReceiverConfig{
		Stream:          "video",
		QueueDepth:      opts.QueueDepth,
		Jitter:          jcfg,
		PlayoutInterval: time.Duration(opts.PlayoutInterval) * time.Millisecond,
		Listen: func() (transport.Receiver, error) {
			o := cur.Load()
			r, err := transport.Listen(transport.Config{
				Kind:       transport.KindStream,
				Addr:       o.VideoListen,
				StreamName: "video",
				Logger:     logging.GetLogger("transport"),
				Bus:        eventBus,
			})
			if err == nil {
				videoTr.Store(r)
			}
			return r, err
		},
		Logger: logging.GetLogger("pipeline"),
	}, newPipeSink(opts.VideoSink))

	audioReceiver := pipeline.NewReceiver(pipeline.ReceiverConfig{
		Stream:          "audio",
		QueueDepth:      opts.QueueDepth,
		Jitter:          jcfg,
		PlayoutInterval: time.Duration(opts.PlayoutInterval) * time.Millisecond,
		Listen: func() (transport.Receiver, error) {
			o := cur.Load()
			r, err := transport.Listen(transport.Config{
				Kind:       transport.Kind(o.AudioKind),
				Addr:       o.AudioListen,
				StreamName: "audio",
				Logger:     logging.GetLogger("transport"),
				Bus:        eventBus,
			})
			if err == nil {
				audioTr.Store(r)
			}
			return r, err
		},
		Logger: logging.GetLogger("pipeline"),
	}, newPipeSink(opts.AudioSink))

	if err := sup.Register(supervisor.Worker{Name: "video-receiver", Run: videoReceiver.Run}); err != nil {
		return err
	}
	if err := sup.Register(supervisor.Worker{Name: "audio-receiver", Run: audioReceiver.Run}); err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		poller := metrics.NewPoller(time.Duration(opts.PollInterval) * time.Second)
		report := func(stream string, tr *atomic.Value, pr *pipeline.Receiver) {
			if r, ok := tr.Load().(transport.Receiver); ok {
				st := r.Stats()
				metrics.SetReceiver(stream, float64(st.PacketsReceived),
					float64(st.DecodeFailures), float64(st.Dropped), float64(st.Supersessions))
			}
			js := pr.JitterStats()
			metrics.SetJitter(stream, float64(js.Depth), float64(js.Late),
				float64(js.Gaps), float64(js.Underruns), float64(js.Overflow))
			depth, dropped := pr.QueueStats()
			metrics.SetQueue(stream+"-recv", float64(depth), float64(dropped))
		}
		poller.Add(func() {
			report("video", &videoTr, videoReceiver)
			report("audio", &audioTr, audioReceiver)
			for _, name := range sup.Workers() {
				metrics.SetWorkerRestarts(name, float64(sup.Status(name).Restarts))
			}
		})
		if err := sup.Register(supervisor.Worker{Name: "metrics-poller", Run: poller.Run}); err != nil {
			return err
		}
		if err := sup.Register(supervisor.Worker{
			Name: "metrics-exporter",
			Run: func(ctx context.Context) error {
				return exporters.Serve(ctx, cur.Load().MetricsAddr, logging.GetLogger("metrics"))
			},
		}); err != nil {
			return err
		}
	}

	if opts.Config != "" {
		watcher := config.NewConfigWatcher(opts.Config, config.LoadOperatorOptions, logging.GetLogger("config"))
		watcher.OnReload(func(fresh config.OperatorOptions) {
			cur.Store(&fresh)
			eventBus.Publish(events.ConfigReloadedEvent{
				Path:      opts.Config,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			logger.Info("Config reloaded, restarting workers")
			for _, name := range sup.Workers() {
				if err := sup.Restart(ctx, name); err != nil {
					logger.Warn("Failed to restart worker on reload", "worker", name, "error", err)
				}
			}
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if opts.Watchdog {
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logger.Debug("sd_notify unavailable", "error", err)
		}
	}

	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	logger.Info("Operator console stopped")
	return nil
}
