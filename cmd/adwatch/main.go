package main

import (
	"adwatch/internal/cli"
)

func main() {
	cli.Execute()
}
