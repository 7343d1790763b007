package logging

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Config defines console logging configuration.
type Config struct {
	// Log level, e.g. INFO, ERROR etc
	Level string
	// Logging format, either text or json
	Format string
}

func (c Config) validate() error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	return validateLogFormat(c.Format)
}

func validateLogFormat(f string) error {
	if _, ok := validLogFormats[strings.ToLower(f)]; !ok {
		formats := make([]string, 0, len(validLogFormats))
		for k := range validLogFormats {
			formats = append(formats, k)
		}
		sort.Strings(formats)
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, formats)
	}
	return nil
}

func parseLogLevel(level string) (logrus.Level, error) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
