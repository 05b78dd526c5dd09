// Command relay runs the asynchronous execution relay. See package cli for
// the available commands.
package main

import (
	"os"

	"relay.evalgo.org/cli"
	"relay.evalgo.org/common"
)

func main() {
	if err := cli.Execute(); err != nil {
		common.Logger.WithError(err).Error("relay failed")
		os.Exit(1)
	}
}
