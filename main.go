// The main package for the harvester executable.
package main

import (
	"github.com/promodata/harvester/cmd"
)

func main() {
	cmd.Execute()
}
