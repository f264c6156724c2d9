package main

import "github.com/mcpfleet/mcpfleet/cmd/mcpfleet/cmd"

func main() {
	cmd.Execute()
}
