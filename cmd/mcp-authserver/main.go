package main

import "github.com/giantswarm/mcp-authserver/internal/cli"

// Version can be set during build with -ldflags
var version = "dev"

func main() {
	cli.Execute(version)
}
