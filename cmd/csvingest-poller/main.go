// Command csvingest-poller runs the ingestion worker outside Lambda: it
// long-polls the notification queue and loads each announced CSV file into
// Postgres exactly once.
package main

import (
	"fmt"
	"os"

	"csvingest/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
