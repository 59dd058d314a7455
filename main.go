// The main package for the skyhive executable.
package main

import (
	"github.com/skyhive/skyhive/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
