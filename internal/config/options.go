package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// NodeOptions configures the robot-side process: capture, framing and
// sending of the media streams, plus the serial command bridge.
type NodeOptions struct {
	Config string `env:"CONFIG"`

	BusAddr string `toml:"bus.addr" env:"BUS_ADDR"`

	VideoAddr string `toml:"transport.video_addr" env:"VIDEO_ADDR"`
	AudioAddr string `toml:"transport.audio_addr" env:"AUDIO_ADDR"`
	// AudioKind selects the audio transport: stream or datagram.
	AudioKind string `toml:"transport.audio_kind" env:"AUDIO_KIND"`

	// VideoSource and AudioSource are the local pipes an external
	// encoder feeds encoded frames into.
	VideoSource string `toml:"capture.video_source" env:"VIDEO_SOURCE"`
	AudioSource string `toml:"capture.audio_source" env:"AUDIO_SOURCE"`
	// ReadChunk is the per-frame read size from the capture pipes.
	ReadChunk int `toml:"capture.read_chunk" env:"READ_CHUNK"`

	CommandDevice string `toml:"bridge.command_device" env:"COMMAND_DEVICE"`
	CommandBaud   int    `toml:"bridge.command_baud" env:"COMMAND_BAUD"`
	GimbalDevice  string `toml:"bridge.gimbal_device" env:"GIMBAL_DEVICE"`
	GimbalBaud    int    `toml:"bridge.gimbal_baud" env:"GIMBAL_BAUD"`

	QueueDepth   int `toml:"pipeline.queue_depth" env:"QUEUE_DEPTH"`
	PollInterval int `toml:"supervisor.poll_interval" env:"POLL_INTERVAL"` // seconds

	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`
	Watchdog    bool   `toml:"supervisor.watchdog" env:"WATCHDOG"`
}

// DefaultNodeOptions returns the node defaults for a typical field setup:
// operator console reachable on the radio link's well-known host.
func DefaultNodeOptions() NodeOptions {
	return NodeOptions{
		BusAddr:      "nats://operator.local:4222",
		VideoAddr:    "operator.local:7001",
		AudioAddr:    "operator.local:7002",
		AudioKind:    "datagram",
		VideoSource:  "/run/fieldlink/video.pipe",
		AudioSource:  "/run/fieldlink/audio.pipe",
		ReadChunk:    1200,
		CommandBaud:  115200,
		GimbalBaud:   115200,
		QueueDepth:   8,
		PollInterval: 2,
	}
}

// Validate rejects option combinations the node cannot run with.
func (o NodeOptions) Validate() error {
	if o.VideoAddr == "" {
		return fmt.Errorf("transport.video_addr is required")
	}
	if o.AudioKind != "stream" && o.AudioKind != "datagram" {
		return fmt.Errorf("transport.audio_kind must be stream or datagram, got %q", o.AudioKind)
	}
	if o.QueueDepth < 1 {
		return fmt.Errorf("pipeline.queue_depth must be at least 1")
	}
	if o.ReadChunk < 1 {
		return fmt.Errorf("capture.read_chunk must be at least 1")
	}
	if o.PollInterval < 1 {
		return fmt.Errorf("supervisor.poll_interval must be at least 1 second")
	}
	return nil
}

// OperatorOptions configures the operator console: the receive side of
// the media streams, the jitter buffers and the embedded bus server.
type OperatorOptions struct {
	Config string `env:"CONFIG"`

	BusHost string `toml:"bus.host" env:"BUS_HOST"`
	BusPort int    `toml:"bus.port" env:"BUS_PORT"`

	VideoListen string `toml:"transport.video_listen" env:"VIDEO_LISTEN"`
	AudioListen string `toml:"transport.audio_listen" env:"AUDIO_LISTEN"`
	AudioKind   string `toml:"transport.audio_kind" env:"AUDIO_KIND"`

	// VideoSink and AudioSink are the local pipes played-out frames are
	// written to for an external decoder to consume.
	VideoSink string `toml:"playout.video_sink" env:"VIDEO_SINK"`
	AudioSink string `toml:"playout.audio_sink" env:"AUDIO_SINK"`

	JitterTargetDepth int `toml:"jitter.target_depth" env:"JITTER_TARGET_DEPTH"`
	JitterWaitBudget  int `toml:"jitter.wait_budget" env:"JITTER_WAIT_BUDGET"`
	JitterMaxSpan     int `toml:"jitter.max_span" env:"JITTER_MAX_SPAN"`

	// PlayoutInterval is the pull cadence in milliseconds, matching the
	// nominal media frame duration.
	PlayoutInterval int `toml:"jitter.playout_interval" env:"JITTER_PLAYOUT_INTERVAL"`

	QueueDepth   int `toml:"pipeline.queue_depth" env:"QUEUE_DEPTH"`
	PollInterval int `toml:"supervisor.poll_interval" env:"POLL_INTERVAL"` // seconds

	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`
	Watchdog    bool   `toml:"supervisor.watchdog" env:"WATCHDOG"`
}

// DefaultOperatorOptions returns the operator console defaults.
func DefaultOperatorOptions() OperatorOptions {
	return OperatorOptions{
		BusHost:           "0.0.0.0",
		BusPort:           4222,
		VideoListen:       "0.0.0.0:7001",
		AudioListen:       "0.0.0.0:7002",
		AudioKind:         "datagram",
		VideoSink:         "/run/fieldlink/video.out",
		AudioSink:         "/run/fieldlink/audio.out",
		JitterTargetDepth: 5,
		JitterWaitBudget:  3,
		JitterMaxSpan:     64,
		PlayoutInterval:   20,
		QueueDepth:        8,
		PollInterval:      2,
	}
}

// Validate rejects option combinations the operator cannot run with.
func (o OperatorOptions) Validate() error {
	if o.VideoListen == "" {
		return fmt.Errorf("transport.video_listen is required")
	}
	if o.AudioKind != "stream" && o.AudioKind != "datagram" {
		return fmt.Errorf("transport.audio_kind must be stream or datagram, got %q", o.AudioKind)
	}
	if o.JitterTargetDepth < 1 {
		return fmt.Errorf("jitter.target_depth must be at least 1")
	}
	if o.JitterWaitBudget < 0 {
		return fmt.Errorf("jitter.wait_budget cannot be negative")
	}
	if o.JitterMaxSpan < o.JitterTargetDepth {
		return fmt.Errorf("jitter.max_span must be at least jitter.target_depth")
	}
	if o.PlayoutInterval < 1 {
		return fmt.Errorf("jitter.playout_interval must be at least 1ms")
	}
	return nil
}

// LoadNodeOptions is a watcher-compatible loader: defaults, then file,
// then environment.
func LoadNodeOptions(path string) (NodeOptions, error) {
	opts := DefaultNodeOptions()
	opts.Config = path
	if err := loadFile(path, &opts); err != nil {
		return opts, err
	}
	if err := LoadConfig(&opts, nil); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// LoadOperatorOptions is the operator-side watcher loader.
func LoadOperatorOptions(path string) (OperatorOptions, error) {
	opts := DefaultOperatorOptions()
	opts.Config = path
	if err := loadFile(path, &opts); err != nil {
		return opts, err
	}
	if err := LoadConfig(&opts, nil); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

// loadFile checks that an explicitly named config file is readable TOML.
// LoadConfig tolerates a missing file; the watcher loaders must not.
func loadFile(path string, _ any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var probe map[string]any
	if err := toml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return nil
}
