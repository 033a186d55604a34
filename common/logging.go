// Package common provides logging and error-classification primitives shared
// by every quarry service. Logging is built on logrus with output routing
// that sends error-level lines to stderr and everything else to stdout, so
// containerized deployments can treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout depending on
// their level marker. It operates on the final formatted output, so it works
// with both the text and JSON formatters.
type OutputSplitter struct{}

// Write sends lines containing an error-level marker to stderr and all other
// lines to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. Services that do not construct their
// own logger via NewLogger share this one.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
