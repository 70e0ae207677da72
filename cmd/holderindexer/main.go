package main

import "holder-indexer/internal/cli"

func main() {
	cli.Execute()
}
