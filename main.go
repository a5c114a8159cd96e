package main

import "github.com/nhirsama/Goster-RC/cli"

func main() {
	cli.Run()
}
