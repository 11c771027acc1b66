package signer_service

import (
	"fmt"
	"time"

	"igloo-signer/modules/config"
	"igloo-signer/modules/credentials"
)

type SignerConfig struct {
	Relays          []string `json:"relays" validate:"required,min=1,dive,url"`
	PingTimeout     string   `json:"ping_timeout" validate:"required"`
	MonitorSchedule string   `json:"monitor_schedule" validate:"required"`
	Keepalive       bool     `json:"keepalive"`
	LogLevel        string   `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

func (c SignerConfig) PingTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.PingTimeout)
	if err != nil {
		return 0, fmt.Errorf("ping_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("ping_timeout must be positive")
	}
	return d, nil
}

type Config struct {
	*config.Config[SignerConfig]
}

func NewConfig(dataDir ...string) Config {
	var dataDirPtr *string
	if len(dataDir) > 0 {
		dataDirPtr = &dataDir[0]
	}
	return Config{config.New(
		SignerConfig{
			Relays:          []string{"wss://relay.damus.io", "wss://relay.primal.net"},
			PingTimeout:     "5s",
			MonitorSchedule: "@every 1m",
			LogLevel:        "info",
		},
		dataDirPtr,
	)}
}

// SetRelays replaces the relay list. Only ws:// and wss:// URLs are taken.
func (c Config) SetRelays(relays []string) error {
	for _, r := range relays {
		if res := credentials.ValidateRelayURL(r); !res.Valid {
			return fmt.Errorf("relay %q: %s", r, res.Reason)
		}
	}
	return c.Update(func(sc *SignerConfig) {
		sc.Relays = relays
	})
}
