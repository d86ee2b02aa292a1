package main

import (
	"github.com/mchmarny/txguard/pkg/cli"
)

func main() {
	cli.Execute()
}
