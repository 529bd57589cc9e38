package main

import "github.com/rudransh-shrivastava/beam/internal/cli"

func main() {
	cli.Execute()
}
