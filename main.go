// The main package for the whynot executable.
package main

import (
	"github.com/whynot-archive/whynot/cmd"
)

func main() {
	cmd.Execute()
}
