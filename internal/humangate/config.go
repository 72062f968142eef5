package humangate

import (
	"errors"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

const (
	ExpireReject  = "reject"
	ExpireApprove = "approve"
)

type Config struct {
	DefaultTTL    time.Duration
	ExpiryAction  string
	SweepInterval time.Duration
	// DecisionSecret signs decision tokens. When empty a random per-process
	// secret is generated and tokens do not survive a restart.
	DecisionSecret string
}

func ConfigFromEnv() (Config, error) {
	ttl, err := env.Duration("TICKET_DEFAULT_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	sweep, err := env.Duration("TICKET_SWEEP_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	action, err := env.OneOf("TICKET_EXPIRY_ACTION", ExpireReject, ExpireReject, ExpireApprove)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DefaultTTL:     ttl,
		ExpiryAction:   action,
		SweepInterval:  sweep,
		DecisionSecret: env.String("DECISION_TOKEN_SECRET", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return errors.New("TICKET_DEFAULT_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("TICKET_SWEEP_INTERVAL must be > 0")
	}
	switch c.ExpiryAction {
	case "", ExpireReject, ExpireApprove:
	default:
		return errors.New("TICKET_EXPIRY_ACTION must be reject or approve")
	}
	return nil
}
