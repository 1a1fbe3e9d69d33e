// Package passkey holds WebAuthn relying-party configuration and ceremony kinds.
package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// defaultRPDisplayName labels the relying party in authenticator prompts.
const defaultRPDisplayName = "VaultGate"

// SessionKind describes the WebAuthn ceremony purpose.
type SessionKind string

const (
	SessionKindRegistration SessionKind = "registration"
	SessionKindLogin        SessionKind = "login"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"VAULTGATE_WEBAUTHN_RP_DISPLAY_NAME"`
	RPID          string        `env:"VAULTGATE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"VAULTGATE_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	SessionTTL    time.Duration `env:"VAULTGATE_WEBAUTHN_SESSION_TTL"     envDefault:"5m"`
	// Disabled administratively turns the biometric stage off. The sequencer
	// reports the flow unavailable rather than skipping the factor.
	Disabled bool `env:"VAULTGATE_WEBAUTHN_DISABLED" envDefault:"false"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: defaultRPDisplayName,
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
			SessionTTL:    5 * time.Minute,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = defaultRPDisplayName
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	return cfg
}
