// Package logger builds the process-wide zap logger.
package logger

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// New returns a logger tuned for the given environment. "production" gets
// JSON output, everything else gets the human-readable development encoder.
func New(env string) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return log, nil
}
