package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// ConfigureLogging sets up the standard logrus logger from config.  Invalid config is returned as an error and
// leaves the logger untouched.
func ConfigureLogging(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter(config.Format))
	logrus.SetOutput(os.Stdout)
	return nil
}

// ConfigureCommandLineLogging is used by short-lived commands that print plain messages rather than log lines.
func ConfigureCommandLineLogging() {
	logrus.SetFormatter(new(CommandLineFormatter))
	logrus.SetOutput(os.Stdout)
}

func newFormatter(format string) logrus.Formatter {
	if strings.ToLower(format) == "json" {
		return &logrus.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli}
}

type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
