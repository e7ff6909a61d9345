// Command scoop serves and runs declarative AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/harun/scoop/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
