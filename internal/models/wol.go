package models

import "time"

// WakeConfig holds per-item Wake-on-LAN configuration.
type WakeConfig struct {
	MACAddress    string        `mapstructure:"mac_address" yaml:"mac_address" validate:"required,mac"`
	BroadcastIP   string        `mapstructure:"broadcast_ip" yaml:"broadcast_ip,omitempty" validate:"omitempty,ip"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`               // max time to wait for the target
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval,omitempty"`   // how often to probe the target
	StabilizeWait time.Duration `mapstructure:"stabilize_wait" yaml:"stabilize_wait,omitempty"` // wait after the target responds
}

// WakeResult holds the result of a Wake-on-LAN operation.
type WakeResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
