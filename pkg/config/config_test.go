package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Adapter != "ELM327" || cfg.TxID != 0x7E0 || cfg.RxID != 0x7E8 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.StepTimeout != 2*time.Second || cfg.MaxRetries != 3 {
		t.Errorf("timing defaults = %v, %d", cfg.StepTimeout, cfg.MaxRetries)
	}
	if cfg.TelemetryEnabled() {
		t.Error("telemetry enabled without broker")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "godiag.yaml")
	data := []byte(`adapter: ELM327 WiFi
address: 10.0.0.5:35000
tx_id: 0x18DA10F1
rx_id: 0x18DAF110
step_timeout: 5s
mqtt:
  broker: tcp://broker:1883
  topic: shop/bay2
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GODIAG_MAX_RETRIES", "5")
	t.Setenv("GODIAG_MQTT_CLIENT_ID", "bay2")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Adapter != "ELM327 WiFi" || cfg.TxID != 0x18DA10F1 || cfg.StepTimeout != 5*time.Second {
		t.Errorf("file values = %+v", cfg)
	}
	if cfg.MaxRetries != 5 || cfg.MQTT.ClientID != "bay2" || cfg.MQTT.Topic != "shop/bay2" {
		t.Errorf("overrides = %d, %+v", cfg.MaxRetries, cfg.MQTT)
	}
	if !cfg.TelemetryEnabled() {
		t.Error("telemetry disabled with broker set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() accepted a missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Adapter:      "ELM327",
			Baudrate:     38400,
			TxID:         0x7E0,
			RxID:         0x7E8,
			MaxRetries:   3,
			FrameTimeout: time.Second,
			StepTimeout:  time.Second,
			LogLevel:     "info",
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no adapter", func(c *Config) { c.Adapter = "" }},
		{"zero baudrate", func(c *Config) { c.Baudrate = 0 }},
		{"tx id too large", func(c *Config) { c.TxID = 0x20000000 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"zero step timeout", func(c *Config) { c.StepTimeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }},
	}
	ok := base()
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("Validate() = nil")
			}
		})
	}
}
