package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestOutputSplitter_Write tests routing and write-length semantics
func TestOutputSplitter_Write(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name       string
		logMessage []byte
	}{
		{
			name:       "ErrorLevelText",
			logMessage: []byte(`time="2026-01-15T10:30:00Z" level=error msg="index write failed"`),
		},
		{
			name:       "ErrorLevelJSON",
			logMessage: []byte(`{"level":"error","msg":"index write failed"}`),
		},
		{
			name:       "InfoLevel",
			logMessage: []byte(`time="2026-01-15T10:30:00Z" level=info msg="worker started"`),
		},
		{
			name:       "ErrorWordInInfoMessage",
			logMessage: []byte(`level=info msg="document had error field"`),
		},
		{
			name:       "EmptyMessage",
			logMessage: []byte(``),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.logMessage)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.logMessage), n)
		})
	}
}

// TestLogger_Initialization tests that the global Logger is wired to the splitter
func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "Logger should use OutputSplitter")
}

// TestNewLogger_Levels tests level parsing including the unknown fallback
func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name     string
		level    LogLevel
		expected logrus.Level
	}{
		{"Debug", LogLevelDebug, logrus.DebugLevel},
		{"Info", LogLevelInfo, logrus.InfoLevel},
		{"Warn", LogLevelWarn, logrus.WarnLevel},
		{"Error", LogLevelError, logrus.ErrorLevel},
		{"Fatal", LogLevelFatal, logrus.FatalLevel},
		{"UnknownDefaultsToInfo", LogLevel("verbose"), logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(LoggerConfig{Level: tt.level})
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

// TestNewLogger_JSONFormat tests the formatter selection
func TestNewLogger_JSONFormat(t *testing.T) {
	logger := NewLogger(LoggerConfig{Format: "json"})
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	logger = NewLogger(LoggerConfig{Format: "text"})
	_, ok = logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

// TestNewLogger_ServiceHook tests that the service field is stamped on entries
func TestNewLogger_ServiceHook(t *testing.T) {
	logger := NewLogger(LoggerConfig{Service: "worker"})

	entry := logrus.NewEntry(logger)
	entry.Data = logrus.Fields{}
	hook := &serviceHook{service: "worker"}
	assert.NoError(t, hook.Fire(entry))
	assert.Equal(t, "worker", entry.Data["service"])
}

// BenchmarkOutputSplitter_Write benchmarks the Write method
func BenchmarkOutputSplitter_Write(b *testing.B) {
	splitter := &OutputSplitter{}
	message := []byte(`time="2026-01-15T10:30:00Z" level=info msg="benchmark message"`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		splitter.Write(message)
	}
}
