package main

import (
	"os"

	"github.com/tomasmach/tavern/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
