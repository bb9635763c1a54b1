// Package logflags configures logging for the components of strut.
// Each component gets its own logrus entry tagged with a "layer" field
// so that log output can be filtered per subsystem.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	dapFlag       = false
	engineFlag    = false
	eventsFlag    = false
	telemetryFlag = false
)

var logOut io.Writer

// logFile is the destination opened by Setup, if any. Only this is closed by
// Close; the default stderr writer must stay open.
var logFile *os.File

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = textFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return logger
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
}

// DAP returns true if the dap package should log protocol traffic.
func DAP() bool {
	return dapFlag
}

// DAPLogger returns a logger for the dap package.
func DAPLogger() *logrus.Entry {
	return makeLogger(dapFlag, logrus.Fields{"layer": "dap"})
}

// Engine returns true if calls into the debug engine should be logged.
func Engine() bool {
	return engineFlag
}

// EngineLogger returns a logger for the engine abstraction layer.
func EngineLogger() *logrus.Entry {
	return makeLogger(engineFlag, logrus.Fields{"layer": "engine"})
}

// Events returns true if engine event dispatch should be logged.
func Events() bool {
	return eventsFlag
}

// EventsLogger returns a logger for engine event dispatch.
func EventsLogger() *logrus.Entry {
	return makeLogger(eventsFlag, logrus.Fields{"layer": "events"})
}

// TelemetryLogger returns a logger for the telemetry sink.
func TelemetryLogger() *logrus.Entry {
	return makeLogger(telemetryFlag, logrus.Fields{"layer": "telemetry"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr and
// redirects output to logDest, which may be a file path or a file
// descriptor number.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logFile = os.NewFile(uintptr(n), "strut-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logFile = fh
		}
		logOut = logFile
	}
	if logOut == nil {
		logOut = colorable.NewColorableStderr()
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "dap"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "dap":
			dapFlag = true
		case "engine":
			engineFlag = true
		case "events":
			eventsFlag = true
		case "telemetry":
			telemetryFlag = true
		default:
			return fmt.Errorf("invalid log component %q", logcmd)
		}
	}
	return nil
}

// Close closes the log output file, if one was opened by Setup.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	logOut = nil
}
