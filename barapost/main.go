package main

import (
	"os"

	"github.com/Doomsbay/barapost/barapost/cmd"
)

func main() {
	cmd.Execute(os.Args[1:])
}
