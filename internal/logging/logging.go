// Package logging configures the process-wide logrus logger from the -v flag count.
package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// LevelForVerbosity maps a repeated -v count onto a log level:
// 0 warning, 1 info, 2 and above debug.
func LevelForVerbosity(v int) log.Level {
	switch {
	case v <= 0:
		return log.WarnLevel
	case v == 1:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// Setup applies the verbosity level and the shared text formatter.
func Setup(verbosity int) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetLevel(LevelForVerbosity(verbosity))
}
