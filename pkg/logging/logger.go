package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process root logger. Local environments get the
// human-readable development encoder; everything else logs structured
// JSON at info level.
func New(env string) (*zap.Logger, error) {
	if env == "local" {
		cfg := zap.NewDevelopmentConfig()
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build development logger: %w", err)
		}
		return logger, nil
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build production logger: %w", err)
	}
	return logger, nil
}
