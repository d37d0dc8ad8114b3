package main

import (
	"github.com/Laisky/filebroker/cmd"
)

func main() {
	cmd.Execute()
}
