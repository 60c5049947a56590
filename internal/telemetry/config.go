package telemetry

import (
	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "droidmon"

type Config struct {
	Enabled   bool
	Namespace string
	// Registerer defaults to a private registry when nil
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: defaultNamespace,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.Namespace == "" {
		return errFactory.New(ErrInvalidNamespace)
	}
	if (c.Registerer == nil) != (c.Gatherer == nil) {
		return errFactory.WithMessage(ErrInvalidConfig, "registerer and gatherer must be set together")
	}
	return nil
}
