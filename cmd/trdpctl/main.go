// Command trdpctl queries a running trdpd daemon's admin HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/trdp-go/trdpd/cmd/trdpctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
