package hotrelay

import (
	"io/ioutil"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort              = 9134
	DefaultFrameCapacity     = defaultFrameCapacity
	DefaultEventBufferSize   = 256
	DefaultStatusIntervalSec = 5
)

type Global struct {
	LogLevel string `yaml:"log_level" toml:"log_level"`
}

// Events configures the optional Kafka-backed lifecycle event router.
// Leaving KafkaBrokers empty keeps the relay on noopEventRouter.
type Events struct {
	KafkaBrokers string `yaml:"kafka_brokers" toml:"kafka_brokers"`
	KafkaTopic   string `yaml:"kafka_topic" toml:"kafka_topic"`
}

type Config struct {
	Global            Global `yaml:"global" toml:"global"`
	Port              int    `yaml:"port" toml:"port"`
	ControlSocketPath string `yaml:"control_socket_path" toml:"control_socket_path"`
	FrameCapacity     int    `yaml:"frame_capacity" toml:"frame_capacity"`
	EventBufferSize   int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	StatusIntervalSec int    `yaml:"status_interval_sec" toml:"status_interval_sec"`
	Events            Events `yaml:"events" toml:"events"`
}

func defaultConfig() *Config {
	return &Config{
		Global:            Global{LogLevel: "info"},
		Port:              DefaultPort,
		FrameCapacity:     DefaultFrameCapacity,
		EventBufferSize:   DefaultEventBufferSize,
		StatusIntervalSec: DefaultStatusIntervalSec,
	}
}

// LoadConfig reads and merges a TOML or YAML file over the defaults. A
// missing path is not an error: callers fall back to defaultConfig and
// CLI flags alone, matching the original's "control-socket path is
// optional" stance.
func LoadConfig(filePath string) *Config {
	config := defaultConfig()
	if filePath == "" {
		return config
	}
	file, err := ioutil.ReadFile(filePath)
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		log.Fatal().Msgf("unrecognized config file extension: %s", filePath)
	}
	if err != nil {
		log.Fatal().Msgf("%+v", err)
	}
	validateConfig(config)
	return config
}

func validateConfig(config *Config) {
	if config.Port <= 0 {
		config.Port = DefaultPort
	}
	if config.FrameCapacity < 2048 {
		config.FrameCapacity = DefaultFrameCapacity
	}
	if config.EventBufferSize <= 0 {
		config.EventBufferSize = DefaultEventBufferSize
	}
	if config.StatusIntervalSec <= 0 {
		config.StatusIntervalSec = DefaultStatusIntervalSec
	}
}
