package main

import (
	"os"

	"github.com/izavyalov-dev/testrun/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
