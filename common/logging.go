// Package common provides the shared logging infrastructure and the data model
// of the relay: execution records, client rows, service health entries and the
// broker envelopes exchanged with analytic workers.
//
// Logging is built on logrus. Error-level lines are routed to stderr while all
// other levels go to stdout, so container platforms can treat the two streams
// differently (alerting on stderr, aggregation on stdout).
//
// Usage Patterns:
//
//	common.Logger.WithFields(logrus.Fields{
//	    "execution_id": rec.ExecutionID,
//	    "client_id":    clientID,
//	}).Info("execution dispatched")
//
//	common.Logger.WithError(err).Error("durable log write failed")
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by severity.
//
// Routing Logic:
//   - lines containing "level=error" (text format) or "\"level\":\"error\"" (JSON format) go to Err
//   - everything else goes to Out
//
// A zero OutputSplitter writes to os.Stdout and os.Stderr.
type OutputSplitter struct {
	Out io.Writer
	Err io.Writer
}

var (
	textErrorMarker = []byte("level=error")
	jsonErrorMarker = []byte(`"level":"error"`)
)

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, textErrorMarker) || bytes.Contains(p, jsonErrorMarker) {
		if splitter.Err != nil {
			return splitter.Err.Write(p)
		}
		return os.Stderr.Write(p)
	}
	if splitter.Out != nil {
		return splitter.Out.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logger. Components that are not handed a
// ContextLogger fall back to it.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
