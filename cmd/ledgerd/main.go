package main

import "github.com/corebank/ledgerd/internal/cli"

func main() {
	cli.Execute()
}
