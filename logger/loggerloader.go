package logger

import (
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// LoadLogger creates a new logger. By default, it creates a LogHarbour logger.
func LoadLogger(appName string) Logger {
	lh := logharbour.NewLogger(&logharbour.LoggerContext{}, appName, os.Stdout)
	return &LogHarbour{lh}
}
