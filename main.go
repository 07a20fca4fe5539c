// The main package for the fetchgate executable.
package main

import (
	"github.com/JakeFAU/fetchgate/cmd"
)

func main() {
	cmd.Execute()
}
