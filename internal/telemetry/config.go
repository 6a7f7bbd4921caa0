package telemetry

import (
	"regexp"

	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
)

const defaultNamespace = "actiwell"

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	Namespace string

	// Runtime adds the Go runtime and process collectors.
	Runtime bool
}

func DefaultConfig() Config {
	return Config{
		Namespace: defaultNamespace,
		Runtime:   true,
	}
}

func (c Config) Validate() error {
	if c.Namespace != "" && !namespacePattern.MatchString(c.Namespace) {
		return errors.New().WithData(ErrInvalidConfig, c.Namespace)
	}
	return nil
}
