// Package logging provides the shared logger for the bootstrap binary.
// Components get a logrus.FieldLogger tagged with their name so log lines
// can be traced back to the step that emitted them.
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Setter applies a configuration change to the root logger.
type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

// New returns a logger for the named component.
func New(component string, setters ...Setter) logrus.FieldLogger {
	for _, setter := range setters {
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

// Set applies a Setter to the root logger.
func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

// Level returns a Setter for the named log level.
func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// SplitOutput returns a Setter that routes routine messages to stdout and
// errors and above to stderr, instead of writing every level to one stream.
func SplitOutput(stdout, stderr io.Writer) Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(io.Discard)
		r.AddHook(&levelWriterHook{stdout, []logrus.Level{
			logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}})
		r.AddHook(&levelWriterHook{stderr, []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}})
		return nil
	}
}

// levelWriterHook directs matched levels to its configured output.
type levelWriterHook struct {
	output io.Writer
	levels []logrus.Level
}

// Fire is invoked when logrus tries to log any message.
func (hook *levelWriterHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	for _, level := range hook.levels {
		if level == entry.Level {
			_, err := hook.output.Write([]byte(line))
			return err
		}
	}
	return nil
}

// Levels returns the log levels this hook is being applied to.
func (hook *levelWriterHook) Levels() []logrus.Level {
	return hook.levels
}
