// The main package for the collector executable.
package main

import (
	"github.com/JakeFAU/repo-collector/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
