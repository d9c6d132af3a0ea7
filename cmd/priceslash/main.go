package main

import (
	"github.com/clduab11/priceslash/internal/cli"
)

func main() {
	cli.Execute()
}
