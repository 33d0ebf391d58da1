package rttlink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/YuminosukeSato/rttlink/internal/framing"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Config holds all configuration for rttlink
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Link      LinkConfig      `mapstructure:"link"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tap       TapConfig       `mapstructure:"tap"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

// LinkConfig defines framing buffer sizes and polling intervals
type LinkConfig struct {
	QueueDepth     int `mapstructure:"queue_depth"`
	ReadBuffer     int `mapstructure:"read_buffer"`
	StagingSize    int `mapstructure:"staging_size"`
	MaxMessageSize int `mapstructure:"max_message_size"`
	IdleSleepMS    int `mapstructure:"idle_sleep_ms"`
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// TapConfig defines the frame tap publisher
type TapConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	Address string    `mapstructure:"address"`
	Codec   CodecType `mapstructure:"codec"`
}

// RelayConfig defines the gRPC relay server
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LoadConfig loads configuration from file and environment
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("rttlink")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/rttlink")
	}

	// Read environment variables, e.g. RTTLINK_TRANSPORT_ADDRESS
	v.SetEnvPrefix("RTTLINK")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file doesn't exist, we have defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Transport defaults (OpenOCD's default RTT server port)
	v.SetDefault("transport.type", "tcp")
	v.SetDefault("transport.address", "localhost:9090")
	v.SetDefault("transport.dial_timeout", 5*time.Second)
	v.SetDefault("transport.read_timeout", time.Millisecond)
	v.SetDefault("transport.write_timeout", 5*time.Millisecond)
	v.SetDefault("transport.ring_capacity", 1024)

	// Link defaults
	v.SetDefault("link.queue_depth", 64)
	v.SetDefault("link.read_buffer", 1024)
	v.SetDefault("link.staging_size", 1024)
	v.SetDefault("link.max_message_size", 1024)
	v.SetDefault("link.idle_sleep_ms", 5)
	v.SetDefault("link.poll_interval_ms", 1)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.trace_enabled", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.endpoint", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	// Tap defaults
	v.SetDefault("tap.enabled", false)
	v.SetDefault("tap.address", "tcp://127.0.0.1:40899")
	v.SetDefault("tap.codec", string(CodecMessagePack))

	// Relay defaults
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.address", "127.0.0.1:50051")
}

// Validate checks the link sizes.
func (c *Config) Validate() error {
	l := c.Link
	switch {
	case l.QueueDepth <= 0:
		return fmt.Errorf("link.queue_depth must be > 0, got %d", l.QueueDepth)
	case l.ReadBuffer <= 0:
		return fmt.Errorf("link.read_buffer must be > 0, got %d", l.ReadBuffer)
	case l.StagingSize <= 0:
		return fmt.Errorf("link.staging_size must be > 0, got %d", l.StagingSize)
	case l.MaxMessageSize <= 0:
		return fmt.Errorf("link.max_message_size must be > 0, got %d", l.MaxMessageSize)
	case l.IdleSleepMS < 0 || l.PollIntervalMS < 0:
		return errors.New("link sleep intervals must not be negative")
	}
	return nil
}

// BridgeOptions converts the link section into bridge options.
func (l LinkConfig) BridgeOptions() BridgeOptions {
	return BridgeOptions{
		QueueDepth:     l.QueueDepth,
		ReadBufferSize: l.ReadBuffer,
		StagingSize:    l.StagingSize,
		MaxMessageSize: l.MaxMessageSize,
		IdleSleep:      time.Duration(l.IdleSleepMS) * time.Millisecond,
	}
}

// DeviceOptions converts the link section into device options.
func (l LinkConfig) DeviceOptions() DeviceOptions {
	return DeviceOptions{
		PollInterval: time.Duration(l.PollIntervalMS) * time.Millisecond,
	}
}

// BufferSizes returns the packet buffer sizes for a device arena.
func (l LinkConfig) BufferSizes() BufferSizes {
	return BufferSizes{
		RxStaging: l.StagingSize,
		RxScratch: l.ReadBuffer,
		TxFrame:   framing.MaxEncodedLen(l.MaxMessageSize) + 1,
	}
}
