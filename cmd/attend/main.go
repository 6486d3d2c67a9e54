// Command attend runs the multimodal pointing rig.
//
//	attend serve              # poll sensors, serve the HTTP/websocket bridge
//	attend calibrate -o r.yml # headless gaze calibration, report to file
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
