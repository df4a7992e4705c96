package main

import "perp-signal-alerts/internal/cli"

func main() {
	cli.Execute()
}
