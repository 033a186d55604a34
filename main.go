// Command quarry runs the RAG platform: `quarry serve` for the HTTP API,
// `quarry worker` for the background job consumer.
package main

import (
	"os"

	"github.com/quarryhq/quarry/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
