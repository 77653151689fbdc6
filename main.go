package main

import (
	"os"

	"dbkp/cmd"
)

// Set by build flags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(Version, GitCommit)
	os.Exit(cmd.Execute())
}
