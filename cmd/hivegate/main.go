package main

import "github.com/ppiankov/hivegate/internal/cli"

func main() {
	cli.Execute()
}
