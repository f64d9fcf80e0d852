package main

import (
	"fmt"
	"os"

	"github.com/hpungsan/gather/internal/errors"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gather: %s\n", err)
		// Per-item failures never reach here; anything that does is a
		// config problem, state corruption, or an internal fault.
		if errors.Fatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
