package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

// Settings are the pipeline policy knobs. Connection settings stay as plain env reads.
type Settings struct {
	LowConfidenceThreshold  float64 `env:"LOW_CONFIDENCE_THRESHOLD" envDefault:"0.8"`
	AutoPromoteThreshold    float64 `env:"AUTO_PROMOTE_THRESHOLD" envDefault:"0"`
	ReviewDueHours          int     `env:"REVIEW_DUE_HOURS" envDefault:"48"`
	EscalationCooldownHours int     `env:"ESCALATION_COOLDOWN_HOURS" envDefault:"24"`
	IngestionTopic          string  `env:"INGESTION_TOPIC" envDefault:"ingestion-requested"`
	NotificationTopic       string  `env:"NOTIFICATION_TOPIC" envDefault:"vault-notifications"`
	OutboxMaxAttempts       int     `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"20"`
}

func (s Settings) ReviewDue() time.Duration {
	return time.Duration(s.ReviewDueHours) * time.Hour
}

func (s Settings) EscalationCooldown() time.Duration {
	return time.Duration(s.EscalationCooldownHours) * time.Hour
}

var (
	settings     Settings
	settingsErr  error
	settingsOnce sync.Once
)

// GetSettings parses the policy settings once. A parse error falls back to defaults.
func GetSettings() Settings {
	settingsOnce.Do(func() {
		settings, settingsErr = LoadSettings()
		if settingsErr != nil {
			LogError(GetLogger(), "config", "GetSettings", "parse env", nil, settingsErr)
			settings = DefaultSettings()
		}
	})
	return settings
}

// LoadSettings parses the current environment without caching.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func DefaultSettings() Settings {
	return Settings{
		LowConfidenceThreshold:  0.8,
		ReviewDueHours:          48,
		EscalationCooldownHours: 24,
		IngestionTopic:          "ingestion-requested",
		NotificationTopic:       "vault-notifications",
		OutboxMaxAttempts:       20,
	}
}

// EnvBool reads a yes/no flag. Accepts 1/true/yes/y.
func EnvBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
