package hotrelay

import "testing"

func TestLoadConfigYAML(t *testing.T) {
	config := LoadConfig("./cmd/config.yaml")
	if config.Port != 9134 {
		t.Fatalf("expected port 9134, got %d", config.Port)
	}
	if config.ControlSocketPath != "/var/run/hotrelay.sock" {
		t.Fatalf("unexpected control socket path: %q", config.ControlSocketPath)
	}
	if config.FrameCapacity != 4096 {
		t.Fatalf("expected frame capacity 4096, got %d", config.FrameCapacity)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	config := LoadConfig("./cmd/config.toml")
	if config.Port != 9134 {
		t.Fatalf("expected port 9134, got %d", config.Port)
	}
	if config.Global.LogLevel != "info" {
		t.Fatalf("unexpected log level: %q", config.Global.LogLevel)
	}
}

func TestLoadConfigMissingPathUsesDefaults(t *testing.T) {
	config := LoadConfig("")
	if config.Port != DefaultPort {
		t.Fatalf("expected default port, got %d", config.Port)
	}
	if config.FrameCapacity != DefaultFrameCapacity {
		t.Fatalf("expected default frame capacity, got %d", config.FrameCapacity)
	}
}

func TestValidateConfigFillsInvalidValues(t *testing.T) {
	config := &Config{Port: -1, FrameCapacity: 10, EventBufferSize: 0, StatusIntervalSec: 0}
	validateConfig(config)
	if config.Port != DefaultPort {
		t.Fatalf("expected port defaulted, got %d", config.Port)
	}
	if config.FrameCapacity != DefaultFrameCapacity {
		t.Fatalf("expected frame capacity defaulted, got %d", config.FrameCapacity)
	}
	if config.EventBufferSize != DefaultEventBufferSize {
		t.Fatalf("expected event buffer size defaulted, got %d", config.EventBufferSize)
	}
	if config.StatusIntervalSec != DefaultStatusIntervalSec {
		t.Fatalf("expected status interval defaulted, got %d", config.StatusIntervalSec)
	}
}
