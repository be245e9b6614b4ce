package main

import "github.com/mev-engine/trade-resilience/internal/cli"

func main() {
	cli.Execute()
}
