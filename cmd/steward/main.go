// Command steward runs the Steward incident control plane.
package main

import "github.com/Studio-Elephant-and-Rope/steward/internal/cmd"

func main() {
	cmd.Execute()
}
