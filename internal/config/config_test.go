package config

import (
	"os"
	"path/filepath"
	"testing"
)

type testOptions struct {
	Config string

	BusURL     string   `toml:"bus.url" env:"BUS_URL"`
	QueueDepth int      `toml:"pipeline.queue_depth" env:"QUEUE_DEPTH"`
	Watchdog   bool     `toml:"supervisor.watchdog" env:"WATCHDOG"`
	Devices    []string `toml:"bridge.devices" env:"DEVICES"`
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldlink.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeTempConfig(t, `
[bus]
url = "nats://10.0.0.2:4222"

[pipeline]
queue_depth = 16

[supervisor]
watchdog = true

[bridge]
devices = ["/dev/ttyAMA0", "/dev/ttyUSB0"]
`)

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.BusURL != "nats://10.0.0.2:4222" {
		t.Errorf("BusURL = %q", opts.BusURL)
	}
	if opts.QueueDepth != 16 {
		t.Errorf("QueueDepth = %d", opts.QueueDepth)
	}
	if !opts.Watchdog {
		t.Error("Watchdog not set from file")
	}
	if len(opts.Devices) != 2 || opts.Devices[0] != "/dev/ttyAMA0" {
		t.Errorf("Devices = %v", opts.Devices)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, `
[bus]
url = "nats://file-host:4222"

[pipeline]
queue_depth = 16
`)

	t.Setenv("FIELDLINK_BUS_URL", "nats://env-host:4222")
	t.Setenv("FIELDLINK_QUEUE_DEPTH", "32")
	t.Setenv("FIELDLINK_DEVICES", "/dev/ttyS0, /dev/ttyS1")

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if opts.BusURL != "nats://env-host:4222" {
		t.Errorf("env did not override file: %q", opts.BusURL)
	}
	if opts.QueueDepth != 32 {
		t.Errorf("env did not override file: %d", opts.QueueDepth)
	}
	if len(opts.Devices) != 2 || opts.Devices[1] != "/dev/ttyS1" {
		t.Errorf("comma-separated env slice mishandled: %v", opts.Devices)
	}
}

func TestLoadConfigMissingFileIsTolerated(t *testing.T) {
	opts := &testOptions{Config: "/nonexistent/fieldlink.toml", QueueDepth: 8}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("missing file should not fail LoadConfig: %v", err)
	}
	if opts.QueueDepth != 8 {
		t.Errorf("defaults clobbered: %d", opts.QueueDepth)
	}
}

func TestLoadConfigBadTOML(t *testing.T) {
	path := writeTempConfig(t, "this is not toml = = =")
	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err == nil {
		t.Error("expected error for malformed TOML")
	}
}

func TestFieldNameToFlag(t *testing.T) {
	cases := map[string]string{
		"Port":              "port",
		"Watchdog":          "watchdog",
		"JitterTargetDepth": "jitter-target-depth",
	}
	for in, want := range cases {
		if got := fieldNameToFlag(in); got != want {
			t.Errorf("fieldNameToFlag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNodeOptionsValidate(t *testing.T) {
	opts := DefaultNodeOptions()
	if err := opts.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}

	bad := opts
	bad.AudioKind = "carrier-pigeon"
	if err := bad.Validate(); err == nil {
		t.Error("expected error for bad audio kind")
	}

	bad = opts
	bad.QueueDepth = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero queue depth")
	}
}

func TestOperatorOptionsValidate(t *testing.T) {
	opts := DefaultOperatorOptions()
	if err := opts.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}

	bad := opts
	bad.JitterMaxSpan = bad.JitterTargetDepth - 1
	if err := bad.Validate(); err == nil {
		t.Error("expected error when max span is below target depth")
	}

	bad = opts
	bad.PlayoutInterval = 0
	if err := bad.Validate(); err == nil {
		t.Error("expected error for zero playout interval")
	}
}

func TestLoadOperatorOptionsFromFile(t *testing.T) {
	path := writeTempConfig(t, `
[jitter]
target_depth = 10
wait_budget = 5
max_span = 128
`)

	opts, err := LoadOperatorOptions(path)
	if err != nil {
		t.Fatalf("LoadOperatorOptions failed: %v", err)
	}
	if opts.JitterTargetDepth != 10 || opts.JitterWaitBudget != 5 || opts.JitterMaxSpan != 128 {
		t.Errorf("jitter tunables not loaded: %+v", opts)
	}
	// Untouched fields keep their defaults.
	if opts.VideoListen != "0.0.0.0:7001" {
		t.Errorf("default lost: %q", opts.VideoListen)
	}
}

func TestLoadLoggingConfig(t *testing.T) {
	path := writeTempConfig(t, `
[logging]
level = "debug"
format = "json"
transport = "warn"
`)

	cfg := LoadLoggingConfig(path)
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Errorf("unexpected logging config: %+v", cfg)
	}
	if cfg.Modules["transport"] != "warn" {
		t.Errorf("module override lost: %+v", cfg.Modules)
	}

	def := LoadLoggingConfig("/nonexistent.toml")
	if def.Level != "info" || def.Format != "text" {
		t.Errorf("missing file should yield defaults: %+v", def)
	}
}
