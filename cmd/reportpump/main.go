package main

import (
	"github.com/reportpump/reportpump/cmd/reportpump/cmd"
	"github.com/reportpump/reportpump/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	cmd.Execute()
}
