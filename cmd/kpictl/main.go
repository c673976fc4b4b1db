package main

import "github.com/basharzamzami/base44-Analytics/internal/cli"

func main() {
	cli.Execute()
}
