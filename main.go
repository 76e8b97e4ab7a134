// The main package for the emailcrawler executable.
package main

import (
	"github.com/JakeFAU/store-email-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
