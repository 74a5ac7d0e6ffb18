// Command aoip bridges a realtime audio engine to UDP and TCP peers.
//
// Usage:
//
//	aoip run      --config aoip.yaml   start the bridge
//	aoip validate --config aoip.yaml   check a config file and exit
//	aoip devices                       list PortAudio devices
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MrWong99/aoip/internal/app"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var se *app.StartupError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "aoip: cannot start: %s: %v\n", se.Stage, se.Err)
		} else {
			fmt.Fprintln(os.Stderr, "aoip:", err)
		}
		os.Exit(1)
	}
}
