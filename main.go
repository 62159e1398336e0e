// The main package for the extractq executable.
package main

import (
	"github.com/refbench/extractq/cmd"
)

func main() {
	cmd.Execute()
}
