package main

import "github.com/deemkeen/fedgraph/cmd"

func main() {
	cmd.Execute()
}
