// Package telemetry defines the event sink used by the debug adapter to
// report operation outcomes and durations. The transport is pluggable; the
// default reporter writes structured log records.
package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strutdbg/strut/pkg/logflags"
)

// Props carries the key/value properties attached to a telemetry record.
type Props map[string]interface{}

// Reporter receives telemetry records. Implementations must be safe for
// concurrent use; records are emitted from both request handling and engine
// event handling goroutines.
type Reporter interface {
	// Event reports a named event with the given properties.
	Event(name string, props Props)
	// TimedEvent reports a named event that took elapsed to complete.
	TimedEvent(name string, elapsed time.Duration, props Props)
	// Error reports a named failure.
	Error(name string, err error, props Props)
}

// LogReporter writes telemetry records to the telemetry log component.
type LogReporter struct {
	log *logrus.Entry
}

// NewLogReporter returns a Reporter that logs records tagged with the given
// session id.
func NewLogReporter(sessionID string) *LogReporter {
	return &LogReporter{log: logflags.TelemetryLogger().WithField("session", sessionID)}
}

func (r *LogReporter) Event(name string, props Props) {
	r.log.WithFields(logrus.Fields(props)).Info(name)
}

func (r *LogReporter) TimedEvent(name string, elapsed time.Duration, props Props) {
	if props == nil {
		props = Props{}
	}
	props["elapsedMs"] = elapsed.Milliseconds()
	r.log.WithFields(logrus.Fields(props)).Info(name)
}

func (r *LogReporter) Error(name string, err error, props Props) {
	r.log.WithFields(logrus.Fields(props)).WithError(err).Error(name)
}
