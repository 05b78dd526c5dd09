package common

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOutputSplitter_Routing tests that error lines go to the error stream
func TestOutputSplitter_Routing(t *testing.T) {
	tests := []struct {
		name         string
		logMessage   []byte
		expectStderr bool
	}{
		{
			name:         "ErrorLevel",
			logMessage:   []byte(`time="2024-01-15T10:30:00Z" level=error msg="Database connection failed"`),
			expectStderr: true,
		},
		{
			name:         "JSONErrorLevel",
			logMessage:   []byte(`{"level":"error","msg":"orphan response"}`),
			expectStderr: true,
		},
		{
			name:         "InfoLevel",
			logMessage:   []byte(`time="2024-01-15T10:30:00Z" level=info msg="Service started"`),
			expectStderr: false,
		},
		{
			name:         "WarnLevel",
			logMessage:   []byte(`time="2024-01-15T10:30:00Z" level=warning msg="High memory usage"`),
			expectStderr: false,
		},
		{
			name:         "ErrorInMessage",
			logMessage:   []byte(`time="2024-01-15T10:30:00Z" level=info msg="error occurred but not error level"`),
			expectStderr: false,
		},
		{
			name:         "EmptyMessage",
			logMessage:   []byte(``),
			expectStderr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			splitter := &OutputSplitter{Out: &out, Err: &errOut}

			n, err := splitter.Write(tt.logMessage)
			require.NoError(t, err)
			assert.Equal(t, len(tt.logMessage), n)

			if tt.expectStderr {
				assert.Equal(t, tt.logMessage, errOut.Bytes())
				assert.Zero(t, out.Len())
			} else {
				assert.Equal(t, len(tt.logMessage), out.Len())
				assert.Zero(t, errOut.Len())
			}
		})
	}
}

func TestContextLogger_FieldsAreCopied(t *testing.T) {
	base := NewContextLogger(logrus.New(), map[string]interface{}{"service": "relay"})
	child := base.WithField("execution_id", "E1").WithFields(map[string]interface{}{"client_id": "c1"})

	assert.Equal(t, map[string]interface{}{"service": "relay"}, base.Fields())
	assert.Equal(t, "E1", child.Fields()["execution_id"])
	assert.Equal(t, "c1", child.Fields()["client_id"])
	assert.Equal(t, "relay", child.Fields()["service"])
}

func TestContextLogger_WritesStructuredFields(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)
	logger.SetFormatter(&logrus.JSONFormatter{})

	NewContextLogger(logger, nil).WithField("queue", "algo--v1_0_0").Info("sent")

	assert.Contains(t, out.String(), `"queue":"algo--v1_0_0"`)
	assert.Contains(t, out.String(), `"msg":"sent"`)
}

func TestContextLogger_WithNilError(t *testing.T) {
	cl := NewContextLogger(logrus.New(), nil)
	assert.Same(t, cl, cl.WithError(nil))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"))
}

func TestNewLogger_Level(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: LogLevelError, Format: "json"})
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestLogPanic_Recovers(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)

	assert.NotPanics(t, func() {
		defer LogPanic(NewContextLogger(logger, nil))
		panic("boom")
	})
	assert.Contains(t, out.String(), "Panic recovered")
}
