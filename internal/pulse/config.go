package pulse

import (
	"fmt"
	"time"
)

// PulseConfig is the plugins.pulse configuration section.
type PulseConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	DeadlineGrace      time.Duration `mapstructure:"deadline_grace"`
	AvailabilitySweep  bool          `mapstructure:"availability_sweep"`
	RenotifyInterval   time.Duration `mapstructure:"renotify_interval"`
	NotifyTimeout      time.Duration `mapstructure:"notify_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Notify             NotifyConfig  `mapstructure:"notify"`
}

// DefaultConfig returns the configuration used when keys are unset.
func DefaultConfig() PulseConfig {
	return PulseConfig{
		TickInterval:      time.Minute,
		MaxWorkers:        10,
		DeadlineGrace:     2 * time.Second,
		AvailabilitySweep: true,
		NotifyTimeout:     DefaultNotifyTimeout,
		Notify: NotifyConfig{
			SMTP: SMTPConfig{Port: 25},
		},
	}
}

// Validate rejects settings the orchestrator cannot run with.
func (c PulseConfig) Validate() error {
	if c.TickInterval < time.Second {
		return fmt.Errorf("tick_interval %s must be at least 1s", c.TickInterval)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers %d must be at least 1", c.MaxWorkers)
	}
	if c.DeadlineGrace < 0 {
		return fmt.Errorf("deadline_grace %s must not be negative", c.DeadlineGrace)
	}
	if c.RenotifyInterval < 0 {
		return fmt.Errorf("renotify_interval %s must not be negative", c.RenotifyInterval)
	}
	if c.Notify.MaxPerSecond < 0 {
		return fmt.Errorf("notify.max_per_second %v must not be negative", c.Notify.MaxPerSecond)
	}
	return nil
}
