// The main package for the fundcrawler executable.
package main

import (
	"github.com/JakeFAU/fundraising-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
