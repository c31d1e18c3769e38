// Command telemetryd runs the local telemetry pipeline: it ingests
// coding-session events over Redis Streams, persists them to an embedded
// SQLite trace store, reconstructs conversation state, and exposes a
// loopback-only health/stats surface.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
