// Package logging builds the process logger. Every subsystem gets a named
// child of the one root logger so log output stays attributable.
package logging

import "go.uber.org/zap"

// NewLogger returns a JSON production logger named name. With development
// set it switches to the console encoder at debug level.
func NewLogger(name string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	return logger, nil
}
