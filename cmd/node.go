package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/openrover/fieldlink/internal/bridge"
	"github.com/openrover/fieldlink/internal/bus"
	"github.com/openrover/fieldlink/internal/config"
	"github.com/openrover/fieldlink/internal/events"
	"github.com/openrover/fieldlink/internal/logging"
	"github.com/openrover/fieldlink/internal/metrics"
	"github.com/openrover/fieldlink/internal/metrics/exporters"
	"github.com/openrover/fieldlink/internal/pipeline"
	"github.com/openrover/fieldlink/internal/supervisor"
	"github.com/openrover/fieldlink/internal/transport"
)

func newNodeCmd() *cobra.Command {
	opts := config.DefaultNodeOptions()

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run the robot-side node",
		Long: `Captures encoded media from local pipes, frames and sends it to the ` +
			`operator console, and bridges command bytes between the bus and the ` +
			`serial devices.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(&opts, cmd); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			return runNode(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", opts.Config, "Path to configuration file")
	f.StringVar(&opts.BusAddr, "bus-addr", opts.BusAddr, "NATS URL of the operator console bus")
	f.StringVar(&opts.VideoAddr, "video-addr", opts.VideoAddr, "Operator video endpoint")
	f.StringVar(&opts.AudioAddr, "audio-addr", opts.AudioAddr, "Operator audio endpoint")
	f.StringVar(&opts.AudioKind, "audio-kind", opts.AudioKind, "Audio transport: stream or datagram")
	f.StringVar(&opts.VideoSource, "video-source", opts.VideoSource, "Pipe the video encoder writes to")
	f.StringVar(&opts.AudioSource, "audio-source", opts.AudioSource, "Pipe the audio encoder writes to")
	f.IntVar(&opts.ReadChunk, "read-chunk", opts.ReadChunk, "Capture read size in bytes")
	f.StringVar(&opts.CommandDevice, "command-device", opts.CommandDevice, "Serial device for robot commands")
	f.IntVar(&opts.CommandBaud, "command-baud", opts.CommandBaud, "Command device baud rate")
	f.StringVar(&opts.GimbalDevice, "gimbal-device", opts.GimbalDevice, "Serial device for the camera gimbal")
	f.IntVar(&opts.GimbalBaud, "gimbal-baud", opts.GimbalBaud, "Gimbal device baud rate")
	f.IntVar(&opts.QueueDepth, "queue-depth", opts.QueueDepth, "Dumping queue depth")
	f.IntVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "Supervisor poll interval in seconds")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "Prometheus scrape address (empty disables)")
	f.BoolVar(&opts.Watchdog, "watchdog", opts.Watchdog, "Ping the systemd watchdog")

	return cmd
}

func runNode(ctx context.Context, opts config.NodeOptions) error {
	logging.Initialize(config.LoadLoggingConfig(opts.Config))
	logger := logging.GetLogger("node")
	logger.Info("Starting node", "bus", opts.BusAddr, "video", opts.VideoAddr, "audio", opts.AudioAddr)

	// Live options snapshot; the config watcher swaps it on reload and
	// restarted workers pick the fresh endpoints up through their Dial
	// closures.
	var cur atomic.Pointer[config.NodeOptions]
	cur.Store(&opts)

	eventBus := events.New()

	client := bus.NewClient(opts.BusAddr, "node", logging.GetLogger("bus"))
	_ = client.Connect() // offline start is fine; the client reconnects
	defer client.Close()

	// Report worker transitions and notable log entries to the console.
	defer eventBus.Subscribe(func(e events.WorkerStateChangedEvent) {
		client.PublishState(bus.StateMessage{
			Worker:    e.Worker,
			State:     e.NewState,
			Restarts:  e.Restarts,
			Error:     e.Error,
			Timestamp: e.Timestamp,
		})
	})()
	logging.SetEntryCallback(func(e logging.Entry) {
		client.PublishLog(bus.LogMessage{
			Level:     e.Level,
			Message:   e.Message,
			Module:    e.Module,
			Details:   e.Attrs,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		})
	})

	sup := supervisor.New(supervisor.Options{
		PollInterval:   time.Duration(opts.PollInterval) * time.Second,
		Logger:         logging.GetLogger("supervisor"),
		Bus:            eventBus,
		NotifyWatchdog: opts.Watchdog,
	})

	videoSender := pipeline.NewSender(pipeline.SenderConfig{
		Stream:     "video",
		QueueDepth: opts.QueueDepth,
		Dial: func() (transport.Session, error) {
			o := cur.Load()
			return transport.Dial(transport.Config{
				Kind:       transport.KindStream,
				Addr:       o.VideoAddr,
				StreamName: "video",
				Logger:     logging.GetLogger("transport"),
				Bus:        eventBus,
			})
		},
		Logger: logging.GetLogger("pipeline"),
	}, newPipeSource(opts.VideoSource, opts.ReadChunk))

	audioSender := pipeline.NewSender(pipeline.SenderConfig{
		Stream:     "audio",
		QueueDepth: opts.QueueDepth,
		Dial: func() (transport.Session, error) {
			o := cur.Load()
			return transport.Dial(transport.Config{
				Kind:       transport.Kind(o.AudioKind),
				Addr:       o.AudioAddr,
				StreamName: "audio",
				Logger:     logging.GetLogger("transport"),
				Bus:        eventBus,
			})
		},
		Logger: logging.GetLogger("pipeline"),
	}, newPipeSource(opts.AudioSource, opts.ReadChunk))

	if err := sup.Register(supervisor.Worker{Name: "video-sender", Run: videoSender.Run}); err != nil {
		return err
	}
	if err := sup.Register(supervisor.Worker{Name: "audio-sender", Run: audioSender.Run}); err != nil {
		return err
	}

	var bridges []*bridge.Bridge
	registerBridge := func(name, device string, baud int, tx, rx string) error {
		if device == "" {
			return nil
		}
		b := bridge.New(bridge.Config{
			Name:       name,
			TxSubject:  tx,
			RxSubject:  rx,
			QueueDepth: opts.QueueDepth,
			Logger:     logging.GetLogger("bridge"),
			Bus:        eventBus,
		}, bridge.SerialOpener(bridge.SerialConfig{Path: device, BaudRate: baud}), client)
		bridges = append(bridges, b)
		return sup.Register(supervisor.Worker{Name: name + "-bridge", Run: b.Run})
	}
	if err := registerBridge("command", opts.CommandDevice, opts.CommandBaud, bus.SubjectCommandTx, bus.SubjectCommandRx); err != nil {
		return err
	}
	if err := registerBridge("gimbal", opts.GimbalDevice, opts.GimbalBaud, bus.SubjectGimbalTx, bus.SubjectGimbalRx); err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		poller := metrics.NewPoller(time.Duration(opts.PollInterval) * time.Second)
		poller.Add(func() {
			depth, dropped := videoSender.Stats()
			metrics.SetQueue("video-send", float64(depth), float64(dropped))
			depth, dropped = audioSender.Stats()
			metrics.SetQueue("audio-send", float64(depth), float64(dropped))
			vs := videoSender.SessionStats()
			metrics.SetSender("video", float64(vs.PacketsSent), float64(vs.BytesSent))
			as := audioSender.SessionStats()
			metrics.SetSender("audio", float64(as.PacketsSent), float64(as.BytesSent))
			for _, b := range bridges {
				st := b.Stats()
				metrics.SetBridge(b.Name(), float64(st.TxWritten), float64(st.RxPublished),
					float64(st.DeviceErrors), b.DeviceAvailable())
			}
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

	client.OnRestart(func(worker, reason string) {
		if err := sup.Restart(ctx, worker); err != nil {
			logger.Warn("Restart command rejected", "worker", worker, "error", err)
		}
	})

	if opts.Config != "" {
		watcher := config.NewConfigWatcher(opts.Config, config.LoadNodeOptions, logging.GetLogger("config"))
		watcher.OnReload(func(fresh config.NodeOptions) {
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
	logger.Info("Node stopped")
	return nil
}
