package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/godiag/pkg/logger"
	"github.com/roffe/godiag/pkg/telemetry"
	"github.com/spf13/viper"
)

const EnvPrefix = "GODIAG"

type Config struct {
	Adapter  string `mapstructure:"adapter"`
	Port     string `mapstructure:"port"`
	Baudrate int    `mapstructure:"baudrate"`
	// Address is host:port for network adapters.
	Address string `mapstructure:"address"`
	TxID    uint32 `mapstructure:"tx_id"`
	RxID    uint32 `mapstructure:"rx_id"`
	// Manufacturer overrides VIN based detection when set.
	Manufacturer string `mapstructure:"manufacturer"`

	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	FrameTimeout time.Duration `mapstructure:"frame_timeout"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	DisplayDelay time.Duration `mapstructure:"display_delay"`

	JournalPath string           `mapstructure:"journal_path"`
	MQTT        telemetry.Config `mapstructure:"mqtt"`
}

// SetDefaults registers every key, AutomaticEnv only resolves keys viper knows.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("adapter", "ELM327")
	v.SetDefault("port", "")
	v.SetDefault("baudrate", 38400)
	v.SetDefault("address", "192.168.0.10:35000")
	v.SetDefault("tx_id", 0x7E0)
	v.SetDefault("rx_id", 0x7E8)
	v.SetDefault("manufacturer", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_delay", 200*time.Millisecond)
	v.SetDefault("frame_timeout", time.Second)
	v.SetDefault("step_timeout", 2*time.Second)
	v.SetDefault("display_delay", 2*time.Second)
	v.SetDefault("journal_path", "godiag.db")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", telemetry.DefaultClientID)
	v.SetDefault("mqtt.topic", telemetry.DefaultTopic)
}

// Load reads the optional config file at path, applies GODIAG_* environment
// overrides and validates the result. Flags must be bound to v beforehand.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Adapter == "" {
		errs = append(errs, errors.New("adapter is required"))
	}
	if c.Baudrate <= 0 {
		errs = append(errs, fmt.Errorf("invalid baudrate %d", c.Baudrate))
	}
	if c.TxID == 0 || c.TxID > 0x1FFFFFFF {
		errs = append(errs, fmt.Errorf("invalid tx id 0x%X", c.TxID))
	}
	if c.RxID == 0 || c.RxID > 0x1FFFFFFF {
		errs = append(errs, fmt.Errorf("invalid rx id 0x%X", c.RxID))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative"))
	}
	if c.FrameTimeout <= 0 || c.StepTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.DisplayDelay < 0 {
		errs = append(errs, errors.New("display_delay must not be negative"))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TelemetryEnabled reports whether an MQTT broker is configured.
func (c *Config) TelemetryEnabled() bool {
	return c.MQTT.Broker != ""
}
