package cmd

import (
	"github.com/roffe/godiag/pkg/journal"
	"github.com/roffe/godiag/pkg/telemetry"
	"go.uber.org/zap"
)

// openTelemetry connects to the configured broker. It returns a nil sink when
// telemetry is disabled or the broker is unreachable.
func openTelemetry() (*telemetry.Sink, func()) {
	if !cfg.TelemetryEnabled() {
		return nil, func() {}
	}
	c := telemetry.NewClient(cfg.MQTT, log)
	if err := c.Connect(); err != nil {
		log.Warn("telemetry disabled", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
		return nil, func() {}
	}
	return telemetry.NewSink(c, cfg.MQTT.Topic, log), c.Disconnect
}

func openJournal() *journal.Journal {
	if cfg.JournalPath == "" {
		return nil
	}
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Warn("journal unavailable", zap.String("path", cfg.JournalPath), zap.Error(err))
		return nil
	}
	return j
}
