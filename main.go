package main

import (
	"github.com/evolvechain/settler/cmd"
)

func main() {
	cmd.Execute()
}
