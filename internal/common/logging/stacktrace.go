package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Field under which WithStacktrace records the stack
const Stacktrace = "stacktrace"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

type multiUnwrapper interface {
	Unwrap() []error
}

// WithStacktrace adds err to logger and, if any error in its chain carries one, the innermost stack trace
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack returns the stack of the deepest error carrying one.  Both pkg/errors causes and standard library
// wrapping (Unwrap() error and Unwrap() []error) are followed; for joined errors the first branch with a stack wins.
// Returns nil if no error in the chain has a stack.
func ExtractStack(err error) errors.StackTrace {
	var found errors.StackTrace
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			found = stackErr.StackTrace()
		}
		switch e := err.(type) {
		case causer:
			err = e.Cause()
		case multiUnwrapper:
			for _, branch := range e.Unwrap() {
				if stack := ExtractStack(branch); stack != nil {
					return stack
				}
			}
			return found
		default:
			err = errors.Unwrap(err)
		}
	}
	return found
}
