package main

import (
	"os"

	"github.com/dbcdk/dataio/cmd/jobscheduler/cmd"
	"github.com/dbcdk/dataio/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
