// Command scenemerge runs the scene merge server and its client tools.
package main

import (
	"os"

	"github.com/kilupskalvis/scenemerge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
