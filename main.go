package main

import (
	"github.com/charla-io/charla/cmd"
)

func main() {
	cmd.Execute()
}
