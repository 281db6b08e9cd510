package workflow

import "github.com/davidroman0O/blockflow/logging"

// Logger provides a simple interface for workflow logging
type Logger = logging.Logger

// NewDefaultLogger creates a new default no-op logger
func NewDefaultLogger() Logger {
	return logging.NewNop()
}
