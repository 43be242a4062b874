package main

import "github.com/yuunie/clouddrop/internal/cli"

func main() {
	cli.Execute()
}
