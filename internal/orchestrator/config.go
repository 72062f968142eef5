package orchestrator

import (
	"errors"
	"time"

	"github.com/animus-labs/flowgate/internal/platform/env"
)

type Config struct {
	// DefaultStepTimeout bounds adapter calls for steps without a timeout.
	DefaultStepTimeout time.Duration
	DispatchWorkers    int
	RecoverOnStart     bool
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("STEP_DEFAULT_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	workers, err := env.Int("DISPATCH_WORKERS", 8)
	if err != nil {
		return Config{}, err
	}
	recoverOnStart, err := env.Bool("ENGINE_RECOVER_ON_START", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DefaultStepTimeout: timeout,
		DispatchWorkers:    workers,
		RecoverOnStart:     recoverOnStart,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.DefaultStepTimeout <= 0 {
		return errors.New("STEP_DEFAULT_TIMEOUT must be positive")
	}
	if c.DispatchWorkers <= 0 {
		return errors.New("DISPATCH_WORKERS must be positive")
	}
	return nil
}
